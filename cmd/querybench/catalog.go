package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basekick-labs/querybench/internal/history"
	"github.com/basekick-labs/querybench/internal/logger"
	"github.com/basekick-labs/querybench/internal/querydef"
)

func queriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queries",
		Short: "Validate the query catalog and list its definitions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			reg, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

func printCatalog(w io.Writer, reg *querydef.Registry) {
	fmt.Fprintf(w, "Catalog: %s (%d enabled, %d skipped)\n\n",
		reg.Source(), len(reg.ListEnabled()), len(reg.Skipped()))
	fmt.Fprintf(w, "%-42s | %-7s | %-8s | %-8s | %-7s | %s\n", "ID", "Shape", "Window", "Step", "Status", "Backends")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 100))
	for _, d := range reg.All() {
		step := "-"
		if d.Range.IsRange() {
			step = d.Range.Step.String()
		}
		status := "enabled"
		if d.Skip {
			status = "skipped"
		}
		backends := make([]string, 0, 2)
		for _, b := range d.Backends() {
			backends = append(backends, string(b))
		}
		fmt.Fprintf(w, "%-42s | %-7s | %-8s | %-8s | %-7s | %s\n",
			d.ID, d.Range.Shape, d.Range.Window, step, status, strings.Join(backends, ", "))
	}
}

func historyCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent rounds from the history store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.DBPath, logger.Get("history"))
			if err != nil {
				return err
			}
			defer store.Close()

			rounds, err := store.Rounds(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRounds(cmd.OutOrStdout(), rounds)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of rounds to list")
	return cmd
}

func printRounds(w io.Writer, rounds []history.RoundSummary) {
	if len(rounds) == 0 {
		fmt.Fprintln(w, "No rounds recorded")
		return
	}
	fmt.Fprintf(w, "%-36s | %-20s | %10s | %7s | %8s | %10s | %4s\n",
		"Round", "Finished (UTC)", "Duration", "Queries", "Failures", "Mismatches", "Gaps")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 115))
	for _, r := range rounds {
		finished := r.FinishedAt.UTC().Format("2006-01-02 15:04:05")
		if r.Interrupted {
			finished += "*"
		}
		fmt.Fprintf(w, "%-36s | %-20s | %9.1fs | %7d | %8d | %10d | %4d\n",
			r.ID, finished, r.DurationMs/1000, r.Queries, r.Failures, r.Mismatches, r.CoverageGaps)
	}
}
