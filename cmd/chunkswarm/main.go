// chunkswarm is a peer-to-peer chunk transfer peer over UDP
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via -ldflags
	version = "dev"

	cfgFile  string
	logLevel string
	logFile  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chunkswarm",
		Short: "Peer-to-peer chunk transfer over UDP",
		Long: `chunkswarm runs one peer of a swarm that exchanges fixed-size,
SHA-1 identified chunks over UDP.

A running peer reads "GET <chunk-file> <output-file>" lines on stdin,
locates the listed chunks with WHOHAS floods, fetches them from the
peers that own them over a windowed reliable transport, verifies every
chunk, and writes the assembled output.

Features:
  • Slow start and congestion avoidance per transfer
  • Parallel downloads from distinct peers
  • Persistent chunk cache
  • Upload rate limiting
  • Prometheus metrics and an audit log`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default: stderr)")

	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(chunksCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}
