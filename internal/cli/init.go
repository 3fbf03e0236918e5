package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/exprtools/internal/config"
)

var exampleDescriptors = map[string]string{
	"add.yaml": `name: add
description: Add two integers
inputSchema:
  type: object
  properties:
    a:
      type: integer
      description: first operand
    b:
      type: integer
      description: second operand
operation:
  expression: a + b
`,
	"greet.yaml": `name: greet
description: Greet someone by name
inputSchema:
  type: object
  properties:
    name:
      type: string
operation:
  expression: concat("Hello, ", upper(name), "!")
`,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a config file and example descriptors",
	Long: `Write config.yaml and a tools/ directory with example descriptors into dir
(default: the current directory). Existing files are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Descriptors.Dir = "tools"
	if err := config.NewLoader(configPath).Save(cfg); err != nil {
		return err
	}

	toolsPath := filepath.Join(dir, cfg.Descriptors.Dir)
	if err := os.MkdirAll(toolsPath, 0755); err != nil {
		return fmt.Errorf("failed to create descriptor directory: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", configPath)

	for name, content := range exampleDescriptors {
		path := filepath.Join(toolsPath, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	}

	return nil
}
