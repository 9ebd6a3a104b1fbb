package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facecap/internal/store"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/spf13/cobra"
)

var listCaptures bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived capture sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireArchive(); err != nil {
			return err
		}
		return runList(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listCaptures, "captures", "c", false, "Also list each session's captures")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer) error {
	sessions, err := DB.ListSessions(ctx)
	if err != nil {
		utils.ShowError("Failed to list sessions", err, nil)
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found in archive.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tDURATION\tFACES\tGROUPS")
	fmt.Fprintln(w, "-------\t-------\t--------\t-----\t------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\n", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.EndedAt.Sub(s.StartedAt).Round(time.Second), s.Captures, s.MaxFaces, s.Groups)
		if listCaptures {
			if err := listSessionCaptures(ctx, w, s); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func listSessionCaptures(ctx context.Context, w io.Writer, s store.SessionRecord) error {
	captures, err := DB.SessionCaptures(ctx, s.ID)
	if err != nil {
		utils.ShowError("Failed to load captures", err, nil)
		return err
	}
	for _, c := range captures {
		fmt.Fprintf(w, "  └ %s\t%s\t\t\t\n", c.ID, c.CapturedAt.Local().Format("15:04:05"))
	}
	return nil
}
