package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/tether/pkg/tether"
	"github.com/spf13/cobra"
)

var clearYes bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in drain order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued operation",
	Long:  "Discards every queued operation. Unsynced changes are lost. Requires --yes or an interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

func init() {
	queueCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (skips config file and environment)")
	queueCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	queueClearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false,
		"Skip confirmation prompt")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := openOffline()
	if err != nil {
		return err
	}
	defer engine.Close()

	ops, err := engine.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	if jsonOutput {
		if ops == nil {
			ops = []tether.PendingOperation{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"operations": ops,
			"total":      len(ops),
		})
	}

	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tMETHOD\tENDPOINT\tENTITY\tPRIORITY\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			op.ID,
			op.Kind,
			op.Method,
			op.Endpoint,
			orDash(op.RelatedEntityID),
			op.Priority,
			op.AttemptCount, op.MaxAttempts,
			formatTime(op.NextRetryAt),
			orDash(op.LastError),
		)
	}
	return w.Flush()
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !clearYes {
		fmt.Fprint(cmd.OutOrStdout(), "Discard all queued operations? Unsynced changes will be lost. [y/N]: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return errors.New("aborted")
		}
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			return errors.New("aborted")
		}
	}

	engine, err := openOffline()
	if err != nil {
		return err
	}
	defer engine.Close()

	n, err := engine.ClearQueue(ctx)
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d operation(s).\n", n)
	return nil
}
