package condition

import (
	"regexp"
	"strings"
)

var (
	ifElseBlock = regexp.MustCompile(`\{\{if\s+(\w+)\s*([><=!]+)\s*([^}]+)\}\}([\s\S]*?)\{\{else\}\}([\s\S]*?)\{\{/if\}\}`)
	ifBlock     = regexp.MustCompile(`\{\{if\s+(\w+)\s*([><=!]+)\s*([^}]+)\}\}([\s\S]*?)\{\{/if\}\}`)
	ifHeader    = regexp.MustCompile(`\{\{if\s+(\w+)\s*[><=!]+\s*[^}]+\}\}`)
)

// RenderText resolves conditional blocks in a message template:
//
//	{{if days_passed >= 7}}one week{{else}}soon{{/if}}
//	{{if patient_gender == female}}extra line{{/if}}
//
// Plain {{variable}} placeholders are left untouched.
func RenderText(content string, vars map[string]string) string {
	result := ifElseBlock.ReplaceAllStringFunc(content, func(block string) string {
		m := ifElseBlock.FindStringSubmatch(block)
		if evalInline(m[1], m[2], m[3], vars) {
			return strings.TrimSpace(m[4])
		}
		return strings.TrimSpace(m[5])
	})

	return ifBlock.ReplaceAllStringFunc(result, func(block string) string {
		m := ifBlock.FindStringSubmatch(block)
		if evalInline(m[1], m[2], m[3], vars) {
			return strings.TrimSpace(m[4])
		}
		return ""
	})
}

// Variables lists the variables referenced by conditional blocks, in order of
// first appearance.
func Variables(content string) []string {
	seen := make(map[string]bool)
	vars := make([]string, 0)
	for _, m := range ifHeader.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

func evalInline(variable, operator, value string, vars map[string]string) bool {
	return Evaluate(Condition{
		Variable: strings.TrimSpace(variable),
		Operator: strings.TrimSpace(operator),
		Value:    Value(strings.TrimSpace(value)),
	}, vars)
}
