package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-go/bridge/internal/config"
	bridgeerrors "github.com/vango-go/bridge/internal/errors"
)

func initCmd() *cobra.Command {
	var (
		format string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default configuration file",
		Long: `Write a bridge.yaml (or bridge.json) with default settings.

Examples:
  bridge init
  bridge init ./app --format=json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(dir, format, force)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "File format (yaml or json)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func runInit(dir, format string, force bool) error {
	var name string
	switch format {
	case "yaml", "yml":
		name = "bridge.yaml"
	case "json":
		name = "bridge.json"
	default:
		return bridgeerrors.New("E103").WithDetail(fmt.Sprintf("unknown format %q", format))
	}

	if config.Exists(dir) && !force {
		return bridgeerrors.Newf(bridgeerrors.CategoryCLI, "%s already has a configuration file", dir).
			WithSuggestion("Pass --force to overwrite it.")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bridgeerrors.FromError(err, "E102")
	}

	cfg := config.New()
	cfg.Content.Dir = "ui"
	path := filepath.Join(dir, name)
	if err := cfg.SaveTo(path); err != nil {
		return err
	}
	success("Wrote %s", path)
	return nil
}
