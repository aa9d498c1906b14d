package condition

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	vars := map[string]string{
		"age":    "25",
		"score":  "90",
		"status": "active",
		"plan":   "premium",
		"name":   "Kim",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"age greater than 20", Condition{"age", ">", "20"}, true},
		{"age less than 30", Condition{"age", "<", "30"}, true},
		{"score at least 90", Condition{"score", ">=", "90"}, true},
		{"score equals 90", Condition{"score", "==", "90"}, true},
		{"age greater than 30", Condition{"age", ">", "30"}, false},
		{"age at most 25", Condition{"age", "<=", "25"}, true},
		{"equals alias", Condition{"status", "equals", "active"}, true},
		{"not equal", Condition{"status", "!=", "inactive"}, true},
		{"not_equals alias", Condition{"status", "not_equals", "active"}, false},
		{"contains", Condition{"plan", "contains", "rem"}, true},
		{"contains miss", Condition{"plan", "contains", "basic"}, false},
		{"greater_than alias", Condition{"age", "greater_than", "24"}, true},
		{"less_than alias", Condition{"age", "less_than", "25"}, false},
		{"gte alias", Condition{"age", "gte", "25"}, true},
		{"single equals", Condition{"name", "=", "Kim"}, true},
		{"numeric equality across formats", Condition{"score", "==", "90.0"}, true},
		{"numeric inequality across formats", Condition{"score", "!=", "90.0"}, false},
		{"numeric operator on text", Condition{"status", ">", "10"}, false},
		{"string compare when one side is text", Condition{"age", "==", "twenty"}, false},
		{"unknown operator", Condition{"age", "~=", "25"}, false},
		{"missing variable", Condition{"height", ">", "0"}, false},
		{"missing variable with not equal", Condition{"height", "!=", "180"}, false},
		{"missing variable with contains", Condition{"height", "contains", ""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, vars))
		})
	}
}

func TestEvaluateNumericLookingStrings(t *testing.T) {
	// age kept as text on the patient record
	vars := map[string]string{"age": "25"}
	assert.True(t, Evaluate(Condition{Variable: "age", Operator: ">", Value: "20"}, vars))
	assert.True(t, Evaluate(Condition{Variable: "age", Operator: "==", Value: " 25 "}, vars))
}

func TestValueDecodesStringsAndNumbers(t *testing.T) {
	var conds []Condition
	raw := `[
		{"variable": "age", "operator": "greater_than", "value": 20},
		{"variable": "status", "operator": "equals", "value": "active"},
		{"variable": "score", "operator": ">=", "value": 89.5},
		{"variable": "note", "operator": "!=", "value": null}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &conds))
	require.Len(t, conds, 4)

	assert.Equal(t, Value("20"), conds[0].Value)
	assert.Equal(t, Value("active"), conds[1].Value)
	assert.Equal(t, Value("89.5"), conds[2].Value)
	assert.Equal(t, Value(""), conds[3].Value)

	vars := map[string]string{"age": "25", "status": "active", "score": "90", "note": "x"}
	for _, c := range conds {
		assert.True(t, Evaluate(c, vars), c.Variable)
	}
}

func TestNormalize(t *testing.T) {
	op, ok := Normalize(" less_than_or_equal ")
	assert.True(t, ok)
	assert.Equal(t, OpLessEqual, op)

	_, ok = Normalize("between")
	assert.False(t, ok)
}
