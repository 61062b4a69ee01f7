package main

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/debswarm/chunkswarm/internal/cache"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the chunk cache",
	}

	cmd.AddCommand(cacheListCmd())
	cmd.AddCommand(cacheClearCmd())
	cmd.AddCommand(cacheStatsCmd())

	return cmd
}

func openCache() (*cache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	return cache.New(cfg.Cache.Path, logger, clock.New())
}

func cacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Cache is empty")
				return nil
			}

			fmt.Fprintf(out, "%-16s  %10s  %6s  %s\n", "HASH", "SIZE", "SERVED", "ADDED")
			for _, e := range entries {
				fmt.Fprintf(out, "%-16s  %10s  %6d  %s\n",
					e.Hash.Short(), formatBytes(e.Size), e.ServeCount, e.AddedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Clear()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d chunks\n", n)
			return nil
		},
	}
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache Statistics\n")
			fmt.Fprintf(out, "════════════════\n")
			fmt.Fprintf(out, "Path:       %s\n", c.BasePath())
			fmt.Fprintf(out, "Chunks:     %d\n", c.Count())
			fmt.Fprintf(out, "Size:       %s\n", formatBytes(c.Size()))
			if free, err := c.FreeSpace(); err == nil {
				fmt.Fprintf(out, "Disk free:  %s\n", formatBytes(free))
			}
			return nil
		},
	}
}
