package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/debswarm/chunkswarm/internal/storage"
)

func chunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Build chunk manifests",
	}

	cmd.AddCommand(chunksMakeCmd())
	cmd.AddCommand(chunksShowCmd())

	return cmd
}

func chunksMakeCmd() *cobra.Command {
	var (
		out    string
		master string
		ids    []int
	)

	cmd := &cobra.Command{
		Use:   "make <data-file>",
		Short: "Split a data file into chunks and write their manifest",
		Long: `Split a data file into 512 KiB chunks, zero-padding the last, and
write "<id> <sha1>" lines. Data files ending in .gz or .xz are
decompressed first.

With --master a master chunk file is written as well, naming the data
file so peers can seed from it. --ids restricts the manifest to the
listed chunk ids, which is how per-peer has-chunk files are produced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFile, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			entries, err := storage.MakeChunks(dataFile)
			if err != nil {
				return err
			}

			if master != "" {
				if err := writeFile(master, func(w io.Writer) error {
					return storage.WriteMaster(w, &storage.Master{DataFile: dataFile, Entries: entries})
				}); err != nil {
					return err
				}
			}

			selected, err := selectEntries(entries, ids)
			if err != nil {
				return err
			}

			if out == "" {
				return storage.WriteManifest(cmd.OutOrStdout(), selected)
			}
			if err := writeFile(out, func(w io.Writer) error {
				return storage.WriteManifest(w, selected)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d chunks to %s\n", len(selected), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "manifest output path (default: stdout)")
	cmd.Flags().StringVar(&master, "master", "", "also write a master chunk file")
	cmd.Flags().IntSliceVar(&ids, "ids", nil, "only include these chunk ids")

	return cmd
}

func chunksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chunk-file>",
		Short: "Show a chunk manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := storage.LoadManifest(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-40s\n", "ID", "SHA1")
			for _, e := range entries {
				fmt.Fprintf(out, "%-6d %-40s\n", e.ID, e.Hash)
			}
			fmt.Fprintf(out, "\n%d chunks\n", len(entries))
			return nil
		},
	}
}

func selectEntries(entries []storage.Entry, ids []int) ([]storage.Entry, error) {
	if len(ids) == 0 {
		return entries, nil
	}
	selected := make([]storage.Entry, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(entries) {
			return nil, fmt.Errorf("chunk id %d out of range (file has %d chunks)", id, len(entries))
		}
		selected = append(selected, entries[id])
	}
	return selected, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
