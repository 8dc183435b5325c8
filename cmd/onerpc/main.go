// Command onerpc serves and calls JSON-RPC over WebSocket.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "onerpc",
		Short:        "JSON-RPC 1.0/2.0 over WebSocket",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSlice("env-file", nil, "dotenv files to load (default .env)")
	root.AddCommand(newServeCmd(), newCallCmd(), newTokenCmd())
	return root
}

func envFiles(cmd *cobra.Command) []string {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	return files
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
