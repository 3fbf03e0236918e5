package descriptor

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addYAML = `
name: add
description: Add two integers
inputSchema:
  type: object
  properties:
    b:
      type: integer
      description: second operand
    a:
      type: integer
operation:
  expression: a + b
`

func TestParse(t *testing.T) {
	t.Run("parses a valid descriptor", func(t *testing.T) {
		d, err := Parse("tools/add.yaml", []byte(addYAML))
		require.NoError(t, err)

		assert.Equal(t, "add", d.Name)
		assert.Equal(t, "Add two integers", d.Description)
		assert.Equal(t, "a + b", d.Expression)
		assert.Equal(t, "tools/add.yaml", d.Source)
		assert.Empty(t, d.Warnings)

		require.Len(t, d.Parameters, 2)
		assert.Equal(t, []string{"b", "a"}, d.ParameterNames())
		assert.Equal(t, TypeInteger, d.Parameters[0].Type)
		assert.Equal(t, "second operand", d.Parameters[0].Description)
		assert.False(t, d.Parameters[0].Fallback())
	})

	t.Run("unknown type falls back to string with a warning", func(t *testing.T) {
		src := `
name: echo
inputSchema:
  properties:
    x:
      type: unknownType
    y: {}
operation:
  expression: concat(x, y)
`
		d, err := Parse("echo.yaml", []byte(src))
		require.NoError(t, err)

		require.Len(t, d.Parameters, 2)
		assert.Equal(t, TypeString, d.Parameters[0].Type)
		assert.Equal(t, "unknownType", d.Parameters[0].DeclaredType)
		assert.True(t, d.Parameters[0].Fallback())
		assert.Equal(t, TypeString, d.Parameters[1].Type)
		assert.True(t, d.Parameters[1].Fallback())

		require.Len(t, d.Warnings, 2)
		assert.Contains(t, d.Warnings[0], `"x"`)
		assert.Contains(t, d.Warnings[0], "unknownType")
	})

	t.Run("accepts a tool without parameters", func(t *testing.T) {
		src := "name: answer\ninputSchema:\n  properties: {}\noperation:\n  expression: '42'\n"
		d, err := Parse("answer.yaml", []byte(src))
		require.NoError(t, err)
		assert.Empty(t, d.Parameters)
	})

	t.Run("resolves anchors and aliases", func(t *testing.T) {
		src := `
name: scale
inputSchema:
  properties:
    x: &num
      type: number
    factor: *num
operation:
  expression: x * factor
`
		d, err := Parse("scale.yaml", []byte(src))
		require.NoError(t, err)
		require.Len(t, d.Parameters, 2)
		assert.Equal(t, TypeNumber, d.Parameters[1].Type)
	})
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantMsg string
		schema  bool
	}{
		{
			name:    "missing name",
			src:     "inputSchema:\n  properties: {}\noperation:\n  expression: '1'\n",
			wantMsg: "name is required",
			schema:  true,
		},
		{
			name:    "missing properties",
			src:     "name: t\ninputSchema: {}\noperation:\n  expression: '1'\n",
			wantMsg: "properties is required",
			schema:  true,
		},
		{
			name:    "missing inputSchema",
			src:     "name: t\noperation:\n  expression: '1'\n",
			wantMsg: "inputSchema is required",
			schema:  true,
		},
		{
			name:    "missing expression",
			src:     "name: t\ninputSchema:\n  properties: {}\noperation: {}\n",
			wantMsg: "expression is required",
			schema:  true,
		},
		{
			name:    "all violations reported together",
			src:     "description: nothing else\n",
			wantMsg: "operation is required",
			schema:  true,
		},
		{
			name:    "invalid tool name",
			src:     "name: 'has space'\ninputSchema:\n  properties: {}\noperation:\n  expression: '1'\n",
			wantMsg: "name",
			schema:  true,
		},
		{
			name:    "parameter is not an identifier",
			src:     "name: t\ninputSchema:\n  properties:\n    2x:\n      type: integer\noperation:\n  expression: '1'\n",
			wantMsg: "2x",
			schema:  true,
		},
		{
			name:    "parameter is a reserved word",
			src:     "name: t\ninputSchema:\n  properties:\n    not:\n      type: boolean\noperation:\n  expression: '1'\n",
			wantMsg: "reserved word",
		},
		{
			name:    "blank expression",
			src:     "name: t\ninputSchema:\n  properties: {}\noperation:\n  expression: '   '\n",
			wantMsg: "operation.expression is required",
		},
		{
			name:    "duplicate parameter",
			src:     "name: t\ninputSchema:\n  properties:\n    a:\n      type: integer\n    a:\n      type: string\noperation:\n  expression: a\n",
			wantMsg: "invalid YAML",
		},
		{
			name:    "not a mapping",
			src:     "- a\n- b\n",
			wantMsg: "document must be a mapping",
		},
		{
			name:    "empty document",
			src:     "",
			wantMsg: "empty document",
		},
		{
			name:    "malformed YAML",
			src:     "name: [unclosed\n",
			wantMsg: "invalid YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse("bad.yaml", []byte(tt.src))
			require.Error(t, err)
			assert.Nil(t, d)

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "expected *ParseError, got %T", err)
			assert.Equal(t, "bad.yaml", parseErr.Source)
			assert.Contains(t, err.Error(), "bad.yaml")
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, tt.schema, errors.Is(err, ErrSchema))
		})
	}
}

func TestParseFile(t *testing.T) {
	fsys := fstest.MapFS{
		"tools/add.yaml": {Data: []byte(addYAML)},
	}

	d, err := ParseFile(fsys, "tools/add.yaml")
	require.NoError(t, err)
	assert.Equal(t, "add", d.Name)

	_, err = ParseFile(fsys, "tools/missing.yaml")
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "tools/missing.yaml", parseErr.Source)
	assert.Contains(t, err.Error(), "failed to read source")
}

func TestDescriptor_Validate(t *testing.T) {
	valid := func() *Descriptor {
		return &Descriptor{
			Name:       "mul",
			Parameters: []Parameter{{Name: "a", Type: TypeNumber}, {Name: "b", Type: TypeNumber}},
			Expression: "a * b",
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
		want   string
	}{
		{"empty name", func(d *Descriptor) { d.Name = "" }, "name is required"},
		{"long name", func(d *Descriptor) { d.Name = string(make([]byte, 65)) }, "invalid tool name"},
		{"blank expression", func(d *Descriptor) { d.Expression = "" }, "expression is required"},
		{"duplicate parameter", func(d *Descriptor) { d.Parameters[1].Name = "a" }, "duplicate parameter"},
		{"bad type", func(d *Descriptor) { d.Parameters[0].Type = "float" }, "unsupported type"},
		{"reserved parameter", func(d *Descriptor) { d.Parameters[0].Name = "True" }, "reserved word"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseType(t *testing.T) {
	typ, ok := ParseType("boolean")
	assert.True(t, ok)
	assert.Equal(t, TypeBoolean, typ)

	typ, ok = ParseType("object")
	assert.False(t, ok)
	assert.Equal(t, TypeString, typ)
}
