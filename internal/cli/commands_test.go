package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brokenYAML = `name: broken
inputSchema:
  properties:
    a:
      type: integer
operation:
  expression: a +
`

// execute runs the root command with a fresh config path and the given
// descriptor directory
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := executeWithLogs(t, dir, args...)
	return stdout, err
}

func executeWithLogs(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()

	listJSON, callJSON, gatewayAddr = false, "", ""

	cmd := GetRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
		cmd.SetIn(nil)
	})

	base := []string{
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--tools-dir", dir,
	}
	if !slices.Contains(args, "--log-level") {
		base = append(base, "--log-level", "error")
	}
	cmd.SetArgs(append(args, base...))

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTools(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestListCommand(t *testing.T) {
	dir := writeTools(t, map[string]string{
		"add.yaml":    exampleDescriptors["add.yaml"],
		"greet.yaml":  exampleDescriptors["greet.yaml"],
		"broken.yaml": brokenYAML,
	})

	t.Run("should print a table of tools", func(t *testing.T) {
		out, err := execute(t, dir, "list")
		require.NoError(t, err)

		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "add")
		assert.Contains(t, out, "a:integer,b:integer")
		assert.Contains(t, out, "greet")
		assert.NotContains(t, out, "broken")
	})

	t.Run("should print JSON", func(t *testing.T) {
		out, err := execute(t, dir, "list", "--json")
		require.NoError(t, err)

		var infos []map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &infos))

		names := make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info["name"].(string))
		}
		assert.ElementsMatch(t, []string{"add", "greet"}, names)
	})

	t.Run("should fail for a missing directory", func(t *testing.T) {
		_, err := execute(t, filepath.Join(dir, "nope"), "list")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})
}

func TestCallCommand(t *testing.T) {
	dir := writeTools(t, map[string]string{
		"add.yaml":   exampleDescriptors["add.yaml"],
		"greet.yaml": exampleDescriptors["greet.yaml"],
	})

	t.Run("should call with name=value pairs", func(t *testing.T) {
		out, err := execute(t, dir, "call", "add", "a=2", "b=3")
		require.NoError(t, err)
		assert.Equal(t, "5\n", out)
	})

	t.Run("should merge JSON arguments with pairs", func(t *testing.T) {
		out, err := execute(t, dir, "call", "add", "--json", `{"a": 2, "b": 100}`, "b=5")
		require.NoError(t, err)
		assert.Equal(t, "7\n", out)
	})

	t.Run("should print strings", func(t *testing.T) {
		out, err := execute(t, dir, "call", "greet", "name=ada")
		require.NoError(t, err)
		assert.Equal(t, "Hello, ADA!\n", out)
	})

	t.Run("should fail for unknown tools", func(t *testing.T) {
		_, err := execute(t, dir, "call", "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not_found")
	})

	t.Run("should fail for missing arguments", func(t *testing.T) {
		_, err := execute(t, dir, "call", "add", "a=1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid_arguments")
	})

	t.Run("should reject malformed pairs", func(t *testing.T) {
		_, err := execute(t, dir, "call", "add", "a")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected name=value")
	})
}

func TestParseCallArgs(t *testing.T) {
	t.Run("pairs are strings", func(t *testing.T) {
		args, err := parseCallArgs([]string{"a=1", "s=x=y"}, "")
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": "1", "s": "x=y"}, args)
	})

	t.Run("JSON numbers are kept exact", func(t *testing.T) {
		args, err := parseCallArgs(nil, `{"n": 9007199254740993}`)
		require.NoError(t, err)
		assert.Equal(t, json.Number("9007199254740993"), args["n"])
	})

	t.Run("null JSON yields empty arguments", func(t *testing.T) {
		args, err := parseCallArgs([]string{"a=1"}, "null")
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": "1"}, args)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := parseCallArgs(nil, `[1, 2]`)
		assert.Error(t, err)
	})
}

func TestCheckCommand(t *testing.T) {
	t.Run("should pass for valid descriptors", func(t *testing.T) {
		dir := writeTools(t, map[string]string{"add.yaml": exampleDescriptors["add.yaml"]})

		out, err := execute(t, dir, "check")
		require.NoError(t, err)
		assert.Contains(t, out, "1 sources, 1 tools registered, 0 failed, 0 warnings")
	})

	t.Run("should report failures and warnings", func(t *testing.T) {
		dir := writeTools(t, map[string]string{
			"add.yaml":        exampleDescriptors["add.yaml"],
			"nested/bad.yaml": brokenYAML,
			"echo.yaml":       "name: echo\ninputSchema:\n  properties:\n    x:\n      type: widget\noperation:\n  expression: x\n",
		})

		out, err := execute(t, dir, "check")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 3 descriptors failed")

		assert.Contains(t, out, "FAIL  nested/bad.yaml [syntax]")
		assert.Contains(t, out, "WARN  [type_fallback]")
		assert.Contains(t, out, "2 tools registered")
	})
}

func TestCheckSources(t *testing.T) {
	dir := writeTools(t, map[string]string{
		"add.yaml":        exampleDescriptors["add.yaml"],
		"greet.yaml":      exampleDescriptors["greet.yaml"],
		"nested/bad.yaml": brokenYAML,
	})

	t.Run("should check only the named source", func(t *testing.T) {
		out, err := execute(t, dir, "check", "add.yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "1 sources, 1 tools registered, 0 failed, 0 warnings")
	})

	t.Run("should accept paths through the descriptor directory", func(t *testing.T) {
		out, err := execute(t, dir, "check", filepath.Join(dir, "greet.yaml"), filepath.Join(dir, "nested", "bad.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 descriptors failed")
		assert.Contains(t, out, "FAIL  nested/bad.yaml [syntax]")
		assert.Contains(t, out, "1 tools registered")
	})

	t.Run("should report a missing source", func(t *testing.T) {
		out, err := execute(t, dir, "check", "missing.yaml")
		require.Error(t, err)
		assert.Contains(t, out, "FAIL  missing.yaml [read]")
	})
}

func TestCheckLogsEachFailureOnce(t *testing.T) {
	dir := writeTools(t, map[string]string{
		"add.yaml": exampleDescriptors["add.yaml"],
		"bad.yaml": brokenYAML,
	})

	_, logs, err := executeWithLogs(t, dir, "check", "--log-level", "warn")
	require.Error(t, err)

	mentions := 0
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, "bad.yaml") {
			mentions++
		}
	}
	assert.Equal(t, 1, mentions, logs)
}

func TestFunctionsCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "functions")
	require.NoError(t, err)

	names := strings.Fields(out)
	assert.Contains(t, names, "round")
	assert.Contains(t, names, "concat")
	assert.IsNonDecreasing(t, names)
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	defer cmd.SetOut(nil)
	defer cmd.SetErr(nil)

	cmd.SetArgs([]string{"init", dir})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "tools", "add.yaml"))
	assert.FileExists(t, filepath.Join(dir, "tools", "greet.yaml"))

	t.Run("generated project checks clean", func(t *testing.T) {
		cmd.SetArgs([]string{"check", "--config", filepath.Join(dir, "config.yaml"), "--tools-dir", filepath.Join(dir, "tools")})
		out.Reset()
		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "2 tools registered, 0 failed")
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		cmd.SetArgs([]string{"init", dir})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})
}

func TestServeMCPCommand(t *testing.T) {
	dir := writeTools(t, map[string]string{"add.yaml": exampleDescriptors["add.yaml"]})

	requests := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add","arguments":{"a":40,"b":2}}}`,
	}, "\n") + "\n"

	GetRootCmd().SetIn(strings.NewReader(requests))

	out, err := execute(t, dir, "serve", "mcp")
	require.NoError(t, err)

	responses := map[string]map[string]interface{}{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		if id, ok := msg["id"].(float64); ok {
			responses[fmt.Sprint(id)] = msg
		}
	}

	require.Contains(t, responses, "1")
	require.Contains(t, responses, "2")

	result, ok := responses["2"]["result"].(map[string]interface{})
	require.True(t, ok)
	content, ok := result["content"].([]interface{})
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "42", content[0].(map[string]interface{})["text"])
}
