package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dense-identity/relaycall/internal/config"
	"github.com/dense-identity/relaycall/internal/journal"
)

var (
	journalPath string
	asJSON      bool
)

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
	}
	cmd.PersistentFlags().StringVar(&journalPath, "path", "", "journal database (overrides JOURNAL_PATH)")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.AddCommand(journalTailCmd())
	cmd.AddCommand(journalCallCmd())
	return cmd
}

func journalTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
				entries, err := j.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printEntries(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func journalCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <call_id>",
		Short: "Show every event recorded for a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
				entries, err := j.ForCall(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntries(entries)
			})
		},
	}
}

func withJournal(ctx context.Context, fn func(context.Context, *journal.Journal) error) error {
	path := journalPath
	if path == "" {
		cfg, err := config.Load[config.ConsumerConfig]()
		if err != nil {
			return err
		}
		path = cfg.JournalPath
	}
	if path == "" {
		return errors.New("--path or JOURNAL_PATH required")
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(ctx, j)
}

func printEntries(entries []journal.Entry) error {
	if asJSON {
		if entries == nil {
			entries = []journal.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No events")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Event", "Call ID", "Control ID"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.Time.Local().Format("15:04:05.000"), e.EventType, e.CallID, e.ControlID})
	}
	tw.Render()
	return nil
}
