package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent intercepted responses, newest first",
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of events to show (0 for all retained)")
	eventsCmd.Flags().Bool("clear", false, "Delete all retained events and reset the badge count")
	eventsCmd.Flags().BoolP("verbose", "v", false, "Include original and modified payload previews")

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	clearAll, _ := cmd.Flags().GetBool("clear")
	verbose, _ := cmd.Flags().GetBool("verbose")
	ctx := cmd.Context()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if clearAll {
		if err := store.ClearEvents(ctx); err != nil {
			return err
		}
		return store.ResetCount(ctx)
	}

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	events, err := store.Events(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "intercepted: %d\n\n", count)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRULE\tVIA\tMETHOD\tSTATUS\tURL")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.RuleName, e.Primitive, e.Method, e.StatusCode, e.URL)
		if verbose {
			fmt.Fprintf(w, "\t  original:\t%s\n", e.OriginalData)
			fmt.Fprintf(w, "\t  modified:\t%s\n", e.ModifiedData)
		}
	}
	w.Flush()
	return nil
}
