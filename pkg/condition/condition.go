// Package condition evaluates the branching predicates used by condition
// nodes and conditional blocks in message templates.
package condition

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpContains     = "contains"
)

var aliases = map[string]string{
	"=":                     OpEqual,
	"==":                    OpEqual,
	"equals":                OpEqual,
	"!=":                    OpNotEqual,
	"not_equals":            OpNotEqual,
	">":                     OpGreater,
	"greater_than":          OpGreater,
	"<":                     OpLess,
	"less_than":             OpLess,
	">=":                    OpGreaterEqual,
	"gte":                   OpGreaterEqual,
	"greater_than_or_equal": OpGreaterEqual,
	"<=":                    OpLessEqual,
	"lte":                   OpLessEqual,
	"less_than_or_equal":    OpLessEqual,
	"contains":              OpContains,
}

// Value is the right-hand side of a condition. It decodes from a JSON string
// or number and keeps the textual form.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	*v = Value(b)
	return nil
}

func (v Value) String() string { return string(v) }

type Condition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    Value  `json:"value"`
}

// Normalize maps an operator alias to its canonical form. ok is false for
// operators the evaluator does not know.
func Normalize(op string) (string, bool) {
	canonical, ok := aliases[strings.TrimSpace(op)]
	return canonical, ok
}

func isNumericOperator(op string) bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Evaluate reports whether c holds for vars. A missing variable or an unknown
// operator is false.
//
// Coercion order: contains is always a substring test; numeric operators
// always compare numbers; == and != compare numbers when both sides parse as
// numbers and strings otherwise.
func Evaluate(c Condition, vars map[string]string) bool {
	varValue, ok := vars[c.Variable]
	if !ok {
		return false
	}

	op, ok := Normalize(c.Operator)
	if !ok {
		return false
	}

	want := string(c.Value)
	if op == OpContains {
		return strings.Contains(varValue, want)
	}

	left, leftOK := parseNumber(varValue)
	right, rightOK := parseNumber(want)
	bothNumbers := leftOK && rightOK

	if isNumericOperator(op) || bothNumbers {
		if !bothNumbers {
			return false
		}
		switch op {
		case OpGreater:
			return left > right
		case OpLess:
			return left < right
		case OpGreaterEqual:
			return left >= right
		case OpLessEqual:
			return left <= right
		case OpEqual:
			return left == right
		case OpNotEqual:
			return left != right
		}
	}

	switch op {
	case OpEqual:
		return varValue == want
	case OpNotEqual:
		return varValue != want
	default:
		return false
	}
}
