package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Accepts(t *testing.T) {
	valid := []string{
		"score > 10",
		"rank <= 5 and score > 0",
		"not (manipulation_score >= 60)",
		"liquidity_edge + momentum_edge > 1.5",
		"score ** 2 - 4 * rank >= 0",
		"score % 2 == 0",
		"-score < 0 or +rank > 0",
		"1 < rank < 10",
		"score != null",
		"true and not false",
		"'usdt' in 'btcusdt'",
		"'x' not in 'abc'",
		"(score > 5) == true",
		"1e3 < score",
	}
	for _, expr := range valid {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			assert.NoError(t, err)
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	invalid := []string{
		"__import__('os')",
		"open('/etc/passwd')",
		"score.real",
		"score[0]",
		"lambda x: x",
		"[s for s in scores]",
		"{1: 2}",
		"[1, 2, 3]",
		"score = 5",
		"yield score",
		"await score",
		"unknown_field > 1",
		"min(score, rank)",
		"score >",
		"(score > 1",
		"",
	}
	for _, expr := range invalid {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			require.Error(t, err)
			var ce *CompileError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestEval_Arithmetic(t *testing.T) {
	env := Env{"score": 12.0, "rank": 3.0}
	tests := []struct {
		expr string
		want interface{}
	}{
		{"score + rank", 15.0},
		{"score - rank", 9.0},
		{"score * rank", 36.0},
		{"score / rank", 4.0},
		{"score % 5", 2.0},
		{"rank ** 2", 9.0},
		{"-rank", -3.0},
		{"score / 0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			node, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Eval(node, env))
		})
	}
}

func TestEval_Logic(t *testing.T) {
	env := Env{"score": 12.5, "rank": 1.0, "manipulation_score": 0.0}
	tests := []struct {
		expr string
		want bool
	}{
		{"score > 10", true},
		{"score > 10 and rank <= 3", true},
		{"score > 100 or rank == 1", true},
		{"not score > 100", true},
		{"1 <= rank <= 3", true},
		{"manipulation_score != 0", false},
		{"score > 10 and manipulation_score > 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			node, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Truthy(Eval(node, env)))
		})
	}
}

func TestEval_MissingIdentifierIsNull(t *testing.T) {
	node, err := Compile("score > 10")
	require.NoError(t, err)
	// empty env binds score to null, which is falsy in comparisons
	assert.False(t, Truthy(Eval(node, Env{})))
}

func TestEval_NullEquality(t *testing.T) {
	node, err := Compile("score == null")
	require.NoError(t, err)
	assert.True(t, Truthy(Eval(node, Env{})))
	assert.False(t, Truthy(Eval(node, Env{"score": 1.0})))
}

func TestEval_StringMembership(t *testing.T) {
	node, err := Compile("'usdt' in 'btcusdt'")
	require.NoError(t, err)
	assert.True(t, Truthy(Eval(node, Env{})))

	node, err = Compile("'eth' not in 'btcusdt'")
	require.NoError(t, err)
	assert.True(t, Truthy(Eval(node, Env{})))
}
