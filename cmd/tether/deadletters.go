package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/pkg/tether"
	"github.com/spf13/cobra"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dead-letters"},
	Short:   "Inspect and retry operations removed from the queue",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	Args:  cobra.NoArgs,
	RunE:  runDeadLettersList,
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Return a dead-lettered operation to the queue with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLettersRetry,
}

func init() {
	deadLettersCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (skips config file and environment)")
	deadLettersCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	deadLettersCmd.AddCommand(deadLettersListCmd)
	deadLettersCmd.AddCommand(deadLettersRetryCmd)
}

func runDeadLettersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := openOffline()
	if err != nil {
		return err
	}
	defer engine.Close()

	dead, err := engine.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if jsonOutput {
		if dead == nil {
			dead = []tether.DeadLetter{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dead_letters": dead,
			"total":        len(dead),
		})
	}

	if len(dead) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tENDPOINT\tENTITY\tATTEMPTS\tDEAD LETTERED\tREASON\tLAST ERROR")
	for _, d := range dead {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.ID,
			d.Kind,
			d.Endpoint,
			orDash(d.RelatedEntityID),
			d.AttemptCount,
			formatTime(&d.DeadLetteredAt),
			d.Reason,
			orDash(d.LastError),
		)
	}
	return w.Flush()
}

func runDeadLettersRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	engine, err := openOffline()
	if err != nil {
		return err
	}
	defer engine.Close()

	op, err := engine.RetryDeadLetter(ctx, id)
	switch {
	case errors.Is(err, tether.ErrNotFound):
		return fmt.Errorf("dead letter %q not found", id)
	case errors.Is(err, tether.ErrQueueFull):
		return errors.New("queue is full; sync or clear it before retrying")
	case err != nil:
		return fmt.Errorf("retry dead letter: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), op)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s (%s %s).\n", op.ID, op.Method, op.Endpoint)
	return nil
}
