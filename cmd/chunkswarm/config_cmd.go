package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/debswarm/chunkswarm/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())

	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration\n")
			fmt.Fprintf(out, "══════════════════════════════════════\n")
			fmt.Fprintf(out, "\n[peer]\n")
			fmt.Fprintf(out, "  identity             = %d\n", cfg.Peer.Identity)
			fmt.Fprintf(out, "  roster_file          = %s\n", cfg.Peer.RosterFile)
			fmt.Fprintf(out, "  has_chunk_file       = %s\n", cfg.Peer.HasChunkFile)
			fmt.Fprintf(out, "  master_chunk_file    = %s\n", cfg.Peer.MasterChunkFile)
			fmt.Fprintf(out, "  max_conn             = %d\n", cfg.Peer.MaxConn)
			fmt.Fprintf(out, "\n[transfer]\n")
			fmt.Fprintf(out, "  timeout              = %s\n", cfg.Transfer.Timeout)
			fmt.Fprintf(out, "  max_timeouts         = %d\n", cfg.Transfer.MaxTimeouts)
			fmt.Fprintf(out, "  poll_interval        = %s\n", cfg.Transfer.PollInterval)
			fmt.Fprintf(out, "  assumed_rtt          = %s\n", cfg.Transfer.AssumedRTT)
			fmt.Fprintf(out, "  slow_start_threshold = %d\n", cfg.Transfer.SlowStartThreshold)
			fmt.Fprintf(out, "  max_upload_rate      = %s\n", cfg.Transfer.MaxUploadRate)
			fmt.Fprintf(out, "\n[cache]\n")
			fmt.Fprintf(out, "  enabled              = %v\n", cfg.Cache.Enabled)
			fmt.Fprintf(out, "  path                 = %s\n", cfg.Cache.Path)
			fmt.Fprintf(out, "\n[metrics]\n")
			fmt.Fprintf(out, "  port                 = %d\n", cfg.Metrics.Port)
			fmt.Fprintf(out, "  bind                 = %s\n", cfg.Metrics.Bind)
			fmt.Fprintf(out, "\n[audit]\n")
			fmt.Fprintf(out, "  path                 = %s\n", cfg.Audit.Path)
			fmt.Fprintf(out, "  graph_file           = %s\n", cfg.Audit.GraphFile)
			fmt.Fprintf(out, "\n[logging]\n")
			fmt.Fprintf(out, "  level                = %s\n", cfg.Logging.Level)

			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			cfgPath := cfgFile
			if cfgPath == "" {
				paths := config.DefaultPaths()
				cfgPath = paths[len(paths)-1]
			}

			if err := cfg.Save(cfgPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created configuration file: %s\n", cfgPath)
			return nil
		},
	}
}
