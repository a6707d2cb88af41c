package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/solistra/mailroom/internal/faillog"
	"github.com/solistra/mailroom/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the retry queue",
	Long:  `Inspect and manage the retry queue and the failure log`,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List messages waiting for retry",
		Run: func(cmd *cobra.Command, args []string) {
			items, err := queue.ReadSnapshot(cfg.Queue.SnapshotPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if len(items) == 0 {
				fmt.Println("Retry queue is empty")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTo\tSubject\tAttempts\tNext Retry\tLast Error")
			for _, item := range items {
				to := ""
				if len(item.Message.To) > 0 {
					to = item.Message.To[0]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					item.Message.ID,
					to,
					item.Message.Subject,
					item.Attempts,
					item.NextRetryAt.Format(time.RFC3339),
					item.LastError)
			}
			w.Flush()
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show [message ID]",
		Short: "Show details of a queued message",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			items, err := queue.ReadSnapshot(cfg.Queue.SnapshotPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			for _, item := range items {
				if item.Message.ID == args[0] {
					data, _ := json.MarshalIndent(item, "", "  ")
					fmt.Println(string(data))
					return
				}
			}

			fmt.Fprintf(os.Stderr, "Error: message not queued: %s\n", args[0])
			os.Exit(1)
		},
	}

	var retryCmd = &cobra.Command{
		Use:   "retry [message ID]",
		Short: "Make a queued message due immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := rewriteSnapshot(args[0], func(item *queue.Item) {
				item.NextRetryAt = time.Now()
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Message %s will be retried on the next tick\n", args[0])
		},
	}

	var removeCmd = &cobra.Command{
		Use:   "remove [message ID]",
		Short: "Drop a message from the retry queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			items, err := queue.ReadSnapshot(cfg.Queue.SnapshotPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			kept := items[:0]
			found := false
			for _, item := range items {
				if item.Message.ID == args[0] {
					found = true
					continue
				}
				kept = append(kept, item)
			}
			if !found {
				fmt.Fprintf(os.Stderr, "Error: message not queued: %s\n", args[0])
				os.Exit(1)
			}

			if err := queue.WriteSnapshot(cfg.Queue.SnapshotPath, kept); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Message %s removed\n", args[0])
		},
	}

	var flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Drop all messages from the retry queue",
		Run: func(cmd *cobra.Command, args []string) {
			items, err := queue.ReadSnapshot(cfg.Queue.SnapshotPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := queue.WriteSnapshot(cfg.Queue.SnapshotPath, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Flushed %d messages\n", len(items))
		},
	}

	var failuresLimit int
	var failuresCmd = &cobra.Command{
		Use:   "failures",
		Short: "List permanently failed messages",
		Run: func(cmd *cobra.Command, args []string) {
			flog, err := faillog.Open(cfg.FailLog.Path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer flog.Close()

			records, err := flog.List(failuresLimit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if len(records) == 0 {
				fmt.Println("No failure records")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMessage ID\tRecipients\tAttempts\tRecorded\tError")
			for _, rec := range records {
				to := ""
				if len(rec.Recipients) > 0 {
					to = rec.Recipients[0]
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					rec.ID,
					rec.MessageID,
					to,
					rec.Attempts,
					rec.RecordedAt.Format(time.RFC3339),
					rec.Error)
			}
			w.Flush()
		},
	}
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 50, "Maximum records to show")

	queueCmd.AddCommand(listCmd, showCmd, retryCmd, removeCmd, flushCmd, failuresCmd)
}

// rewriteSnapshot applies fn to the item with the given ID and writes
// the snapshot back.
func rewriteSnapshot(id string, fn func(*queue.Item)) error {
	items, err := queue.ReadSnapshot(cfg.Queue.SnapshotPath)
	if err != nil {
		return err
	}

	found := false
	for i := range items {
		if items[i].Message.ID == id {
			fn(&items[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("message not queued: %s", id)
	}

	return queue.WriteSnapshot(cfg.Queue.SnapshotPath, items)
}
