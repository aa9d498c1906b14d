package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		vars    map[string]string
		want    string
	}{
		{
			name:    "if else true branch",
			content: "{{if days_passed >= 7}}one week already{{else}}a few days{{/if}}",
			vars:    map[string]string{"days_passed": "10"},
			want:    "one week already",
		},
		{
			name:    "if else false branch",
			content: "{{if days_passed >= 7}}one week already{{else}}a few days{{/if}}",
			vars:    map[string]string{"days_passed": "3"},
			want:    "a few days",
		},
		{
			name:    "if only kept",
			content: "Hello {{if patient_gender == female}}madam{{/if}}!",
			vars:    map[string]string{"patient_gender": "female"},
			want:    "Hello madam!",
		},
		{
			name:    "if only dropped",
			content: "Hello {{if patient_gender == female}}madam{{/if}}!",
			vars:    map[string]string{"patient_gender": "male"},
			want:    "Hello !",
		},
		{
			name:    "missing variable takes else",
			content: "{{if vip == yes}}VIP{{else}}regular{{/if}}",
			vars:    map[string]string{},
			want:    "regular",
		},
		{
			name:    "multiline body",
			content: "{{if days_passed > 0}}\nline one\nline two\n{{/if}}",
			vars:    map[string]string{"days_passed": "1"},
			want:    "line one\nline two",
		},
		{
			name:    "placeholders untouched",
			content: "Hi {{patient_name}}",
			vars:    map[string]string{"patient_name": "Lee"},
			want:    "Hi {{patient_name}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderText(tt.content, tt.vars))
		})
	}
}

func TestVariables(t *testing.T) {
	content := "{{if age > 20}}a{{/if}} {{if status == ok}}b{{else}}c{{/if}} {{if age < 60}}d{{/if}}"
	assert.Equal(t, []string{"age", "status"}, Variables(content))
	assert.Empty(t, Variables("no blocks here {{patient_name}}"))
}
