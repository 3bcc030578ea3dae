package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	dbStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print row counts of the coordinator database",
		RunE:  runDBStats,
	}

	dbVacuumCmd = &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim space left by archived events",
		RunE:  runDBVacuum,
	}
)

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbStatsCmd, dbVacuumCmd)
}

func runDBStats(cmd *cobra.Command, _ []string) error {
	store, _, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetStats(cmd.Context())
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(stats.SimulationsByStatus))
	for s := range stats.SimulationsByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS")
	for _, s := range statuses {
		fmt.Fprintf(w, "simulations (%s)\t%d\n", s, stats.SimulationsByStatus[s])
	}
	fmt.Fprintf(w, "validation_summaries\t%d\n", stats.Summaries)
	fmt.Fprintf(w, "validation_events\t%d\n", stats.Events)
	fmt.Fprintf(w, "clusters\t%d\n", stats.Clusters)
	return w.Flush()
}

func runDBVacuum(cmd *cobra.Command, _ []string) error {
	store, _, log, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Vacuum(cmd.Context()); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	log.Info("Database vacuumed")
	return nil
}
