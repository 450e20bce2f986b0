package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	bridgeerrors "github.com/vango-go/bridge/internal/errors"
)

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain [code]",
		Short: "Describe an error code",
		Long: `Describe an error code printed by the CLI, or list every code.

Examples:
  bridge explain
  bridge explain E104`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, code := range bridgeerrors.GetAllCodes() {
					tmpl, _ := bridgeerrors.GetTemplate(code)
					fmt.Fprintf(out, "%s  %-9s %s\n", code, tmpl.Category, tmpl.Message)
				}
				return nil
			}

			code := strings.ToUpper(args[0])
			tmpl, ok := bridgeerrors.GetTemplate(code)
			if !ok {
				return fmt.Errorf("unknown error code %q", args[0])
			}
			fmt.Fprintf(out, "%s (%s): %s\n", code, tmpl.Category, tmpl.Message)
			if tmpl.Suggestion != "" {
				fmt.Fprintf(out, "\n%s\n", tmpl.Suggestion)
			}
			return nil
		},
	}
}
