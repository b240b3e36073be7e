package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/dispatch/pkg/feedclient"
)

var tailCmd = &cobra.Command{
	Use:   "tail <identity>",
	Short: "Follow the live notification feed of an identity",
	Long: `Follow the live notification feed of an identity.

The stored history is printed first, then new notifications as they arrive.
Dropped connections are retried with backoff until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

var historyCmd = &cobra.Command{
	Use:   "history <identity>",
	Short: "Print the stored notifications of an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <identity> <message>",
	Short: "Create and dispatch a notification",
	Long: `Create and dispatch a notification.

Requires a SERVICE or ADMIN token when authentication is enabled.

Example:
  notifyctl trigger alice "Gate 4 is open" --type warning`,
	Args: cobra.ExactArgs(2),
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(tailCmd, historyCmd, triggerCmd)
	triggerCmd.Flags().String("type", "info", "notification type: info, success, warning or error")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printed := make(map[string]struct{})
	status := feedclient.StatusConnecting
	err := newClient(cmd).Run(ctx, args[0], func(v feedclient.View) {
		if v.Status != status {
			status = v.Status
			fmt.Fprintf(out, "-- %s (%d unread)\n", status, v.Unread)
		}
		// items are newest first; print oldest unseen first
		for i := len(v.Items) - 1; i >= 0; i-- {
			n := v.Items[i]
			if _, ok := printed[n.ID]; ok {
				continue
			}
			printed[n.ID] = struct{}{}
			printNotification(out, n)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHistory(cmd *cobra.Command, args []string) error {
	items, err := newClient(cmd).History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "no notifications")
		return nil
	}
	for _, n := range items {
		printNotification(out, n)
	}
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("type")
	n, err := newClient(cmd).Trigger(cmd.Context(), feedclient.TriggerRequest{
		UserID:  args[0],
		Message: args[1],
		Type:    kind,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", n.ID)
	return nil
}

func printNotification(w io.Writer, n feedclient.Notification) {
	mark := " "
	if !n.IsRead {
		mark = "*"
	}
	fmt.Fprintf(w, "%s %s [%-7s] %s  (%s)\n", mark, n.CreatedAt.Local().Format(time.DateTime), n.Type, n.Message, n.ID)
}
