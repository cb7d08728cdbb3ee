package rules

import (
	"math"
	"strings"
)

// Env binds the identifier set to one ranked row's values. Missing keys
// evaluate as null.
type Env map[string]interface{}

// Eval walks the compiled AST against an environment. The walker touches
// nothing outside the env; there is no way for an expression to reach host
// state. Arithmetic on mismatched types evaluates to null and a comparison of
// mismatched types to false; both are falsy.
func Eval(node *Node, env Env) interface{} {
	if node == nil {
		return nil
	}
	switch node.kind {
	case nodeNumber:
		return node.num
	case nodeString:
		return node.str
	case nodeBool:
		return node.boolV
	case nodeNull:
		return nil
	case nodeIdent:
		return env[node.ident]
	case nodeUnary:
		return evalUnary(node, env)
	case nodeBinary:
		return evalBinary(node, env)
	case nodeCompare:
		return evalCompare(node, env)
	}
	return nil
}

// Truthy follows the source language's semantics: false, 0, "" and null are
// falsy, everything else truthy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

func evalUnary(node *Node, env Env) interface{} {
	operand := Eval(node.left, env)
	switch node.op {
	case "not", "!":
		return !Truthy(operand)
	case "-":
		if f, ok := toFloat(operand); ok {
			return -f
		}
	case "+":
		if f, ok := toFloat(operand); ok {
			return f
		}
	}
	return nil
}

func evalBinary(node *Node, env Env) interface{} {
	switch node.op {
	case "and":
		left := Eval(node.left, env)
		if !Truthy(left) {
			return left
		}
		return Eval(node.right, env)
	case "or":
		left := Eval(node.left, env)
		if Truthy(left) {
			return left
		}
		return Eval(node.right, env)
	}

	left := Eval(node.left, env)
	right := Eval(node.right, env)

	if node.op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs
			}
			return nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil
	}
	switch node.op {
	case "+":
		return lf + rf
	case "-":
		return lf - rf
	case "*":
		return lf * rf
	case "/":
		if rf == 0 {
			return nil
		}
		return lf / rf
	case "%":
		if rf == 0 {
			return nil
		}
		return math.Mod(lf, rf)
	case "**":
		return math.Pow(lf, rf)
	}
	return nil
}

func evalCompare(node *Node, env Env) interface{} {
	left := Eval(node.operands[0], env)
	for i, op := range node.ops {
		right := Eval(node.operands[i+1], env)
		if !compareOne(op, left, right) {
			return false
		}
		left = right
	}
	return true
}

func compareOne(op string, left, right interface{}) bool {
	switch op {
	case "in":
		return contains(left, right)
	case "notin":
		return !contains(left, right)
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	ls, lok2 := left.(string)
	rs, rok2 := right.(string)
	if lok2 && rok2 {
		switch op {
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

func equal(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

// contains implements `in` for string containment, the one collection-free
// membership test the grammar supports.
func contains(needle, haystack interface{}) bool {
	ns, ok := needle.(string)
	if !ok {
		return false
	}
	hs, ok := haystack.(string)
	if !ok {
		return false
	}
	return strings.Contains(hs, ns)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
