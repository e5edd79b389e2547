package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/supportbot/recall/pkg/models"
	"github.com/supportbot/recall/pkg/statslog"
)

func newStatsCmd() *cobra.Command {
	var (
		addr    string
		history bool
		dbPath  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show answer cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if history {
				rec, err := statslog.New(dbPath, nil)
				if err != nil {
					return err
				}
				defer rec.Close()

				snaps, err := rec.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Fprintln(out, "No stats history found.")
					return nil
				}
				return printHistory(out, snaps)
			}

			stats, err := newAdminClient(addr).stats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(out, stats)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "address of a running recall server")
	cmd.Flags().BoolVar(&history, "history", false, "show recorded snapshots instead of live stats")
	cmd.Flags().StringVar(&dbPath, "db", "recall.db", "stats database used with --history")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of snapshots shown with --history")
	return cmd
}

func printStats(out io.Writer, s models.CacheStats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Entries:\t%d\n", s.Entries)
	fmt.Fprintf(w, "Memory:\t%.2f MB\n", s.MemoryMB)
	fmt.Fprintf(w, "Hits:\t%d\n", s.Hits)
	fmt.Fprintf(w, "Semantic hits:\t%d\n", s.SemanticHits)
	fmt.Fprintf(w, "Misses:\t%d\n", s.Misses)
	fmt.Fprintf(w, "Hit rate:\t%.1f%%\n", s.HitRate*100)
	fmt.Fprintf(w, "Semantic rate:\t%.1f%%\n", s.SemanticRate*100)
	fmt.Fprintf(w, "Evictions:\t%d\n", s.Evictions)
	fmt.Fprintf(w, "Expirations:\t%d\n", s.Expirations)
	fmt.Fprintf(w, "Tokens saved:\t%.0f\n", s.TokensSaved)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(s.Namespaces) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Namespaces))
	for ns := range s.Namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tENTRIES\tBYTES")
	for _, ns := range names {
		fmt.Fprintf(w, "%s\t%d\t%d\n", ns, s.Namespaces[ns].Entries, s.Namespaces[ns].SizeBytes)
	}
	return w.Flush()
}

func printHistory(out io.Writer, snaps []models.StatsSnapshot) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tENTRIES\tHITS\tSEMANTIC\tMISSES\tHIT RATE\tEVICTIONS\tMEMORY MB")
	for _, snap := range snaps {
		s := snap.Stats
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%d\t%.2f\n",
			snap.CreatedAt.Format("2006-01-02T15:04:05"), s.Entries, s.Hits, s.SemanticHits, s.Misses,
			s.HitRate*100, s.Evictions, s.MemoryMB)
	}
	return w.Flush()
}
