package cmd

import (
	"github.com/spf13/cobra"
)

var prepareOpts Options

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Build (or verify) the cached avatar bundle for a source video",
	Long: `Detects the face in every source frame, encodes latents and blending masks,
and stores them as a bundle keyed by --avatar-id. A valid bundle with matching
parameters is reused as-is; use --force to rebuild it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrepare(cmd, prepareOpts)
	},
}

func init() {
	addPrepareFlags(prepareCmd, &prepareOpts)
	rootCmd.AddCommand(prepareCmd)
}

func runPrepare(cmd *cobra.Command, opts Options) error {
	if err := validatePrepareFlags(opts); err != nil {
		return err
	}
	ctx := cmd.Context()

	w, err := startWorker(ctx)
	if err != nil {
		return fail("Failed to start model worker", err, workerLogs(w))
	}
	defer w.Close()

	cache, err := newCache(w)
	if err != nil {
		return err
	}
	if _, err := prepareAvatar(ctx, cache, opts); err != nil {
		return fail("Avatar preparation failed", err, workerLogs(w))
	}
	return nil
}
