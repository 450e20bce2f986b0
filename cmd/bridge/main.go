// Command bridge serves a frontend folder in a browser window backed by the
// bridge server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	bridgeerrors "github.com/vango-go/bridge/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		bridgeerrors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve a web frontend in a browser window",
		Long: `Bridge runs a local server for a web frontend and opens it in a
browser window. The page talks to the Go backend over a binary
frame protocol on a WebSocket.

Configuration is read from bridge.json or bridge.yaml in the
working directory, or from --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		initCmd(),
		explainCmd(),
		versionCmd(),
	)
	return rootCmd
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
