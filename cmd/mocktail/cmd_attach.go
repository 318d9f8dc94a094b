package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mocktail/pkg/api"
	"mocktail/pkg/model"
)

var attachCmd = &cobra.Command{
	Use:   "attach [target-id]",
	Short: "Intercept responses in a Chrome tab over the DevTools protocol",
	Long: `Attach to a page target of a Chrome instance started with --remote-debugging-port
and rewrite its responses until interrupted. Without a target id the first page is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List page targets of a Chrome instance",
	RunE:  runTargets,
}

func init() {
	for _, c := range []*cobra.Command{attachCmd, targetsCmd} {
		c.Flags().String("devtools", "", "DevTools HTTP endpoint, e.g. http://127.0.0.1:9222")
	}
	attachCmd.Flags().String("rules-file", "", "Read rules from a YAML/JSON file instead of the database")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(targetsCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var target model.TargetID
	if len(args) > 0 {
		target = model.TargetID(args[0])
	}

	svc := api.NewService(cfg, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	id, err := svc.StartSession(ctx, target)
	if err != nil {
		return err
	}
	done, err := svc.SessionDone(id)
	if err != nil {
		return err
	}
	go func() {
		if err := svc.WatchRules(ctx.Done()); err != nil {
			log.Err(err, "规则文件监听退出")
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "session %s attached, press Ctrl+C to stop\n", id)

	select {
	case <-ctx.Done():
	case <-done:
		fmt.Fprintln(cmd.OutOrStdout(), "target closed")
	}

	stats, err := svc.Stats(id)
	if err != nil {
		return err
	}
	if err := svc.StopSession(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requests: %d, matched: %d\n", stats.Total, stats.Matched)
	return nil
}

func runTargets(cmd *cobra.Command, args []string) error {
	svc := api.NewService(cfg, log)
	if err := svc.Start(cmd.Context()); err != nil {
		return err
	}
	defer svc.Stop()

	targets, err := svc.ListTargets(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	w.Flush()
	return nil
}
