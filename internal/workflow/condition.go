package workflow

import (
	"strconv"
	"strings"

	"workflow-notifications/internal/models"
)

// Evaluate tests a condition against submitted answers. Unknown operators are false.
// Comparisons are case-insensitive; greater/less compare numerically and are false
// when either side is not a number.
func Evaluate(c models.Condition, answers map[string]string) bool {
	actual := strings.TrimSpace(answers[c.Field])
	expected := strings.TrimSpace(c.Value)

	switch normalizeOperator(c.Operator) {
	case "equals":
		return strings.EqualFold(actual, expected)
	case "not_equals":
		return !strings.EqualFold(actual, expected)
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case "greater_than":
		a, b, ok := numbers(actual, expected)
		return ok && a > b
	case "greater_or_equal":
		a, b, ok := numbers(actual, expected)
		return ok && a >= b
	case "less_than":
		a, b, ok := numbers(actual, expected)
		return ok && a < b
	case "less_or_equal":
		a, b, ok := numbers(actual, expected)
		return ok && a <= b
	case "in":
		for _, v := range strings.Split(expected, ",") {
			if strings.EqualFold(strings.TrimSpace(v), actual) {
				return true
			}
		}
		return false
	case "is_empty":
		return actual == ""
	case "is_not_empty":
		return actual != ""
	}
	return false
}

func normalizeOperator(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "equals", "eq", "==", "=":
		return "equals"
	case "not_equals", "ne", "!=", "<>":
		return "not_equals"
	case "contains":
		return "contains"
	case "greater_than", "gt", ">":
		return "greater_than"
	case "greater_or_equal", "gte", ">=":
		return "greater_or_equal"
	case "less_than", "lt", "<":
		return "less_than"
	case "less_or_equal", "lte", "<=":
		return "less_or_equal"
	case "in":
		return "in"
	case "is_empty", "empty":
		return "is_empty"
	case "is_not_empty", "not_empty":
		return "is_not_empty"
	}
	return ""
}

func numbers(a, b string) (float64, float64, bool) {
	x, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, false
	}
	y, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}
