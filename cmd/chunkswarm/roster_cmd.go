package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/debswarm/chunkswarm/internal/peers"
)

func rosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Inspect peer rosters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <roster-file>",
		Short: "List the peers of a roster with their multiaddrs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roster, err := peers.LoadRoster(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-22s %s\n", "ID", "ADDRESS", "MULTIADDR")
			for _, p := range roster {
				ma, err := p.Multiaddr()
				if err != nil {
					return fmt.Errorf("peer %d: %w", p.ID, err)
				}
				fmt.Fprintf(out, "%-6d %-22s %s\n", p.ID, p.Addr, ma)
			}
			return nil
		},
	})

	return cmd
}
