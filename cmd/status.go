package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/indentbot/internal/config"
	"github.com/papapumpkin/indentbot/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved pause state, checkpoint and recent edits",
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List the pages the last run left waiting",
	RunE:  runQueue,
}

func init() {
	statusCmd.Flags().IntP("n", "n", 20, "number of recent edits to show")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}

func openState(cmd *cobra.Command) (*state.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return state.Open(cmd.Context(), cfg.StateDB)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("n")
	s, err := openState(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	paused, since, ok, err := s.ControlState(ctx)
	if err != nil {
		return err
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	switch {
	case !ok:
		tbl.AddRow("control:", "no saved state")
	case paused:
		tbl.AddRow("control:", color.RedString("paused"), "commands read up to "+since.Format(time.RFC3339))
	default:
		tbl.AddRow("control:", color.GreenString("active"), "commands read up to "+since.Format(time.RFC3339))
	}

	cp, ok, err := s.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		tbl.AddRow("checkpoint:", cp.Format(time.RFC3339), humanize.Time(cp))
	} else {
		tbl.AddRow("checkpoint:", "none")
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		return err
	}
	tbl.AddRow("pending:", fmt.Sprintf("%d pages", len(pending)))
	fmt.Fprintln(out, tbl)

	edits, err := s.RecentEdits(ctx, n)
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	return printEdits(out, edits)
}

func printEdits(w io.Writer, edits []state.Edit) error {
	tbl := uitable.New()
	tbl.MaxColWidth = 60
	tbl.AddRow("WHEN", "OUTCOME", "REV", "SCORE", "PAGE", "DETAIL")
	for _, e := range edits {
		rev := "-"
		if e.RevID > 0 {
			rev = fmt.Sprint(e.RevID)
		}
		tbl.AddRow(humanize.Time(e.At), outcomeColor(e.Outcome), rev, e.Score.Total(), e.DocID, e.Detail)
	}
	_, err := fmt.Fprintln(w, tbl)
	return err
}

func outcomeColor(o state.Outcome) string {
	switch o {
	case state.Saved:
		return color.GreenString(string(o))
	case state.Failed, state.Rejected:
		return color.RedString(string(o))
	case state.Conflict:
		return color.YellowString(string(o))
	}
	return string(o)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	s, err := openState(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	pending, err := s.Pending(cmd.Context())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
		return nil
	}
	tbl := uitable.New()
	tbl.AddRow("LAST EDIT", "AGE", "PAGE")
	for _, e := range pending {
		tbl.AddRow(e.EditTime.Format(time.RFC3339), humanize.Time(e.EditTime), e.DocID)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tbl)
	return err
}
