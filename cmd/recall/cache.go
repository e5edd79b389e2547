package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the answer cache of a running server",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newAdminClient(addr).stats(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), stats)
		},
	}

	var clearNamespaces []string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAdminClient(addr).clear(cmd.Context(), clearNamespaces); err != nil {
				return err
			}
			if len(clearNamespaces) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared namespaces: %v\n", clearNamespaces)
			}
			return nil
		},
	}
	clearCmd.Flags().StringSliceVar(&clearNamespaces, "namespace", nil, "namespace to clear (repeatable; default all)")

	var deleteNamespace string
	deleteCmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a single cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := newAdminClient(addr).deleteEntry(cmd.Context(), deleteNamespace, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cache entry for %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Entry deleted.")
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&deleteNamespace, "namespace", "", "namespace of the entry (default namespace when empty)")

	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:8080", "address of a running recall server")
	cmd.AddCommand(statsCmd, clearCmd, deleteCmd)
	return cmd
}
