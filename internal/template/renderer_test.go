package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		data map[string]string
		want string
	}{
		{
			name: "missing value becomes sentinel",
			tpl:  "Hello {{Name}}, due {{DueDate}}",
			data: map[string]string{"Name": "Ann"},
			want: "Hello Ann, due [Not Available]",
		},
		{
			name: "all values present",
			tpl:  "{{FormTitle}} submitted by {{SubmitterName}}",
			data: map[string]string{"FormTitle": "Incident Report", "SubmitterName": "Bo"},
			want: "Incident Report submitted by Bo",
		},
		{
			name: "inner whitespace tolerated",
			tpl:  "Hi {{ Name }}",
			data: map[string]string{"Name": "Cy"},
			want: "Hi Cy",
		},
		{
			name: "nil data",
			tpl:  "{{A}}-{{B}}",
			want: "[Not Available]-[Not Available]",
		},
		{
			name: "value containing a token is not expanded",
			tpl:  "Note: {{Comment}}",
			data: map[string]string{"Comment": "see {{Secret}}"},
			want: "Note: see [Not Available]",
		},
		{
			name: "empty token",
			tpl:  "x{{}}y",
			want: "x[Not Available]y",
		},
		{
			name: "empty template",
			tpl:  "",
			want: "",
		},
		{
			name: "extra braces around a supplied name",
			tpl:  "x {{{{Name}}}}",
			data: map[string]string{"Name": "Dee"},
			want: "x Dee",
		},
		{
			name: "stray brace inside a token",
			tpl:  "Hi {{Na}me}}",
			data: map[string]string{"Name": "Ed"},
			want: "Hi [Not Available]",
		},
		{
			name: "nested opening brace",
			tpl:  "Hi {{a{b}}",
			data: map[string]string{"b": "Flo"},
			want: "Hi [Not Available]",
		},
		{
			name: "repeated placeholder",
			tpl:  "{{N}} and {{N}}",
			data: map[string]string{"N": "1"},
			want: "1 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.tpl, tt.data)
			assert.Equal(t, tt.want, got)
			assert.False(t, leftoverPattern.MatchString(got), "rendered output still has a token: %q", got)
		})
	}
}

func TestRender_NeverLeavesTokens(t *testing.T) {
	inputs := []string{
		"{{a}}{{b}}{{c}}",
		"{{{a}}}",
		"{{ a b c }}",
		strings.Repeat("{{x}} ", 50),
		"Hi {{Na}me}}",
		"Hi {{a{b}}",
		"x {{{{a}}}}",
		"{{a}}}}{{",
		"{{\n}}",
		"{{ {{a}} }}",
	}
	for _, in := range inputs {
		out := Render(in, map[string]string{"a": "{{b}}", "b": "{{"})
		assert.NotRegexp(t, `(?s)\{\{.*?\}\}`, out, "input %q", in)
	}
}

func TestValidatePlaceholders(t *testing.T) {
	required := []string{"AssigneeName", "DueDate"}

	assert.True(t, ValidatePlaceholders(required, map[string]string{"AssigneeName": "A", "DueDate": "2026-01-01"}))
	assert.False(t, ValidatePlaceholders(required, map[string]string{"AssigneeName": "A"}))
	assert.Equal(t, []string{"DueDate"}, MissingPlaceholders(required, map[string]string{"AssigneeName": "A", "DueDate": " "}))
	assert.True(t, ValidatePlaceholders(nil, nil))
}

func TestExtractPlaceholders(t *testing.T) {
	got := ExtractPlaceholders("{{A}} {{B}}", "{{ B }} {{C}}", "")
	assert.Equal(t, []string{"A", "B", "C"}, got)
}
