package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chunkswarm version %s\n", version)
			fmt.Fprintf(out, "\nFeatures:\n")
			fmt.Fprintf(out, "  • 512 KiB chunks, SHA-1 verified\n")
			fmt.Fprintf(out, "  • Windowed UDP transport with congestion control\n")
			fmt.Fprintf(out, "  • Multiaddr rosters\n")
			fmt.Fprintf(out, "  • xz and gzip data files\n")
			fmt.Fprintf(out, "  • Persistent chunk cache\n")
			fmt.Fprintf(out, "  • Upload rate limiting\n")
			fmt.Fprintf(out, "  • Prometheus metrics\n")
		},
	}
}
