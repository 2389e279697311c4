package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"ctestci/internal/config"
	"ctestci/internal/core"
	"ctestci/internal/store"
)

var historyFlags struct {
	limit int
	runID string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the local run history",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.IntVarP(&historyFlags.limit, "limit", "n", 20, "Number of runs to show")
	f.StringVar(&historyFlags.runID, "run", "", "Show one run and the files it produced")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.HistoryPath()
	if path == "" {
		return fmt.Errorf("%w: run history is disabled (db is empty)", config.ErrInvalid)
	}

	db, err := store.NewSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Init(cmd.Context()); err != nil {
		return fmt.Errorf("init history: %w", err)
	}

	if historyFlags.runID != "" {
		return showRun(cmd, db, historyFlags.runID)
	}

	runs, err := db.ListRuns(cmd.Context(), historyFlags.limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded in %s\n", path)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tEXIT\tREVISION\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.RunID,
			run.Status,
			exitCodeString(run.ExitCode),
			run.Revision,
			run.StartedAt.Local().Format(time.RFC3339),
			durationString(run))
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, db *store.SQLiteStore, runID string) error {
	run, err := db.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	artifacts, err := db.ListArtifacts(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s\n", run.RunID)
	fmt.Fprintf(out, "Build dir: %s\n", run.BuildDir)
	fmt.Fprintf(out, "Revision:  %s (reported %s)\n", run.Revision, run.ReportedRevision)
	fmt.Fprintf(out, "Status:    %s\n", run.Status)
	fmt.Fprintf(out, "Exit:      update %s, build %s, ctestci %s\n",
		exitCodeString(run.UpdateExitCode), exitCodeString(run.BuildExitCode), exitCodeString(run.ExitCode))
	fmt.Fprintf(out, "Duration:  %s\n", durationString(run))
	if run.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", run.Error)
	}
	if len(artifacts) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tKIND\tSIZE\tSHA256\tPATH")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.Stage, a.Kind, units.HumanSize(float64(a.SizeBytes)), shortSum(a.SHA256), a.Path)
	}
	return w.Flush()
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func exitCodeString(code int) string {
	if code == core.NoExitCode {
		return "-"
	}
	return strconv.Itoa(code)
}

func durationString(run core.RunRecord) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return units.HumanDuration(run.FinishedAt.Sub(run.StartedAt))
}
