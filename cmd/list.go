package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// errNoRegistry is returned by commands that need the PostgreSQL registry.
var errNoRegistry = errors.New("no registry configured (set --db or POSTGRES_HOST)")

var (
	listUtterances string
	listLimit      int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered avatars, or the recent utterances of one avatar",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return errNoRegistry
		}
		if listUtterances != "" {
			return runListUtterances(cmd, listUtterances)
		}
		return runList(cmd)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listUtterances, "utterances", "u", "", "Show utterances of this avatar instead")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum utterances to show")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	avatars, err := DB.ListAvatars(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list avatars: %w", err)
	}
	if len(avatars) == 0 {
		fmt.Println("No avatars found in registry.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tFRAMES\tUTTERANCES\tTOTAL FRAMES\tFINGERPRINT\tPREPARED")
	fmt.Fprintln(w, "--\t------\t----------\t------------\t-----------\t--------")
	for _, a := range avatars {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n", a.ID, a.FrameCount, a.Utterances, a.TotalFrames,
			shortFingerprint(a.Fingerprint), a.PreparedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runListUtterances(cmd *cobra.Command, id string) error {
	if _, err := DB.GetAvatar(cmd.Context(), id); err != nil {
		return err
	}
	utterances, err := DB.ListUtterances(cmd.Context(), id, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list utterances: %w", err)
	}
	if len(utterances) == 0 {
		fmt.Printf("No utterances recorded for %s.\n", id)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTART\tFRAMES\tFALLBACKS\tAUDIO\tELAPSED\tCREATED")
	fmt.Fprintln(w, "-------\t-----\t------\t---------\t-----\t-------\t-------")
	for _, u := range utterances {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n", u.ID, u.StartIndex, u.Frames, u.Fallbacks,
			u.Duration, u.Elapsed, u.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
