package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
)

var (
	eventsSince    time.Duration
	eventsCategory string
	eventsSession  string
	eventsLimit    int
	eventsSummary  bool
)

var eventsCmd = &cobra.Command{
	Use:         "events",
	Short:       "List recorded filter events",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if eventsSummary {
			return runEventSummary(cmd.Context())
		}
		return runEvents(cmd.Context(), eventsQuery(time.Now()))
	},
}

func init() {
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only show events from the last duration, e.g. 24h")
	eventsCmd.Flags().StringVarP(&eventsCategory, "category", "c", "", "Only show events of this category")
	eventsCmd.Flags().StringVarP(&eventsSession, "session", "s", "", "Only show events of this session ID")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Maximum number of events to show (0 for all)")
	eventsCmd.Flags().BoolVar(&eventsSummary, "summary", false, "Show totals per category instead of individual events")
	rootCmd.AddCommand(eventsCmd)
}

func eventsQuery(now time.Time) store.Query {
	q := store.Query{
		Category:  eventsCategory,
		SessionID: eventsSession,
		Limit:     eventsLimit,
	}
	if eventsSince > 0 {
		q.Since = now.Add(-eventsSince)
	}
	return q
}

func runEvents(ctx context.Context, q store.Query) error {
	events, err := DB.ListEvents(ctx, q)
	if err != nil {
		utils.ShowError("Failed to list events", err, nil)
		return err
	}

	if len(events) == 0 {
		fmt.Println("No filter events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCATEGORY\tCONFIDENCE\tACTION\tSESSION")
	fmt.Fprintln(w, "--\t----\t--------\t----------\t------\t-------")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%s\t%s\n",
			e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Category, e.Confidence, e.Action, shortID(e.SessionID))
	}
	w.Flush()

	q.Limit = 0
	total, err := DB.CountEvents(ctx, q)
	if err != nil {
		return err
	}
	if total > int64(len(events)) {
		fmt.Printf("\nShowing %d of %d events.\n", len(events), total)
	}
	return nil
}

func runEventSummary(ctx context.Context) error {
	counts, err := DB.CountByCategory(ctx)
	if err != nil {
		utils.ShowError("Failed to summarise events", err, nil)
		return err
	}
	if len(counts) == 0 {
		fmt.Println("No filter events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tEVENTS")
	fmt.Fprintln(w, "--------\t------")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Category, c.Count)
	}
	w.Flush()
	return nil
}

// shortID trims a session UUID to its first block for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
