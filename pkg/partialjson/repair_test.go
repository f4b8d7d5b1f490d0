package partialjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairValidJSONIsIdentity(t *testing.T) {
	inputs := []string{
		`{"a":1,"b":[true,false,null],"c":{"d":"e"}}`,
		`[1,2,3]`,
		`"plain"`,
		`42.5`,
		`null`,
		`{"nested":{"deep":[{"x":"é\n"}]}}`,
	}
	for _, in := range inputs {
		var expected interface{}
		require.NoError(t, json.Unmarshal([]byte(in), &expected))

		got, err := Repair(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, got, in)
	}
}

func TestRepairTruncated(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"open string value", `{"title":"Hel`, `{"title":"Hel"}`},
		{"key without value", `{"a":1,"b`, `{"a":1}`},
		{"key with colon", `{"a":1,"b":`, `{"a":1}`},
		{"trailing comma", `{"a":1,`, `{"a":1}`},
		{"empty object", `{`, `{}`},
		{"partial true", `{"ok":tr`, `{"ok":true}`},
		{"partial false", `[f`, `[false]`},
		{"partial null", `{"v":nu`, `{"v":null}`},
		{"partial number", `[1, 2.`, `[1,2]`},
		{"minus only", `{"a":1,"b":-`, `{"a":1}`},
		{"nested", `{"a":{"b":[1,{"c":"d`, `{"a":{"b":[1,{"c":"d"}]}}`},
		{"dangling escape", `{"a":"x\`, `{"a":"x"}`},
		{"partial unicode escape", `{"a":"x\u00`, `{"a":"x"}`},
		{"escaped quote kept", `{"a":"say \"hi`, `{"a":"say \"hi"}`},
		{"array of strings", `["a","b`, `["a","b"]`},
		{"top-level string", `"abc`, `"abc"`},
		{"whitespace tail", "{\"a\": [1, 2] \n", `{"a":[1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var expected interface{}
			require.NoError(t, json.Unmarshal([]byte(tc.expected), &expected))

			got, err := Repair(tc.input)
			require.NoError(t, err)
			assert.Equal(t, expected, got)
		})
	}
}

func TestRepairUnrepairable(t *testing.T) {
	for _, in := range []string{"", "   ", "}", "hello world"} {
		_, err := Repair(in)
		assert.ErrorIs(t, err, ErrUnrepairable, in)
	}
}

func TestRepairObject(t *testing.T) {
	m, ok := RepairObject(`{"path":"notes.md","content":"# Ti`)
	require.True(t, ok)
	assert.Equal(t, "notes.md", m["path"])
	assert.Equal(t, "# Ti", m["content"])

	_, ok = RepairObject(`[1,2`)
	assert.False(t, ok)
}

func TestRepairGrowingPrefixesNeverPanic(t *testing.T) {
	full := `{"path":"a/b.md","title":"T","content":"line1\nline \"2\" é","n":[1,-2.5e3,true,null]}`
	for i := 0; i <= len(full); i++ {
		_, _ = Repair(full[:i])
	}
	got, err := Repair(full)
	require.NoError(t, err)
	assert.Equal(t, "T", got.(map[string]interface{})["title"])
}

func TestOpenMember(t *testing.T) {
	cases := []struct {
		input string
		key   string
		open  bool
	}{
		{`{"content":"hello","path":"no`, "path", true},
		{`{"content":"hello","path":"notes.md"`, "", false},
		{`{"path":"notes.md","content":"# Ti`, "content", true},
		{`{"path":"a\"b`, "path", true},
		{`{"path":"notes.md","meta":{"note":"x`, "", false},
		{`{"pa`, "", false},
		{`{"path":"notes.md"}`, "", false},
		{`"top`, "", false},
	}
	for _, tc := range cases {
		key, open := OpenMember(tc.input)
		assert.Equal(t, tc.open, open, tc.input)
		assert.Equal(t, tc.key, key, tc.input)
	}
}
