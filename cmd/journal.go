package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"SecureEscrow/internal/config"
	"SecureEscrow/internal/fees"
	"SecureEscrow/internal/services"
)

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local payment call journal",
		Long: `Inspect the bolt file that records every keyed payment call.

The file is opened read-only. A running server holds it exclusively, so stop
the server (or copy the file) before inspecting it.`,
	}
	cmd.AddCommand(journalUnresolvedCmd())
	cmd.AddCommand(journalShowCmd())
	return cmd
}

func openJournalFile() (*services.JournaledGateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Payment.JournalPath == "" {
		return nil, errors.New("PAYMENT_JOURNAL_PATH is not set")
	}
	return services.OpenJournalReadOnly(cfg.Payment.JournalPath)
}

func journalUnresolvedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unresolved",
		Short: "List payment calls whose outcome was never recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournalFile()
			if err != nil {
				return err
			}
			defer journal.Close()

			entries, err := journal.Unresolved()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No unresolved payment calls")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tOPERATION\tSTATE\tSTARTED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Key, e.Operation, e.State, e.StartedAt.Format(time.RFC3339), e.Error)
			}
			return w.Flush()
		},
	}
}

func journalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [idempotency-key]",
		Short: "Show the journal entry for one idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournalFile()
			if err != nil {
				return err
			}
			defer journal.Close()

			entry, err := journal.Lookup(args[0])
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("no journal entry for %q", args[0])
			}

			fmt.Printf("key:       %s\n", entry.Key)
			fmt.Printf("operation: %s\n", entry.Operation)
			fmt.Printf("state:     %s\n", entry.State)
			if entry.ResultID != "" {
				fmt.Printf("result:    %s\n", entry.ResultID)
			}
			if entry.Amount > 0 {
				fmt.Printf("amount:    %s\n", fees.FromMinorUnits(entry.Amount).StringFixed(fees.MinorUnitPlaces))
			}
			fmt.Printf("started:   %s\n", entry.StartedAt.Format(time.RFC3339))
			if entry.FinishedAt != nil {
				fmt.Printf("finished:  %s\n", entry.FinishedAt.Format(time.RFC3339))
			}
			if entry.Error != "" {
				fmt.Printf("error:     %s\n", entry.Error)
			}
			return nil
		},
	}
}
