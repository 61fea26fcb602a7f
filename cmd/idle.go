package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/storage"
	"github.com/spf13/cobra"
)

var idleOpts Options

var idleCmd = &cobra.Command{
	Use:   "idle",
	Short: "Write the idle-loop frame at a logical index as a PNG",
	Long: `Loads a prepared bundle without starting the model worker and writes the
original frame the idle loop shows at --index. Indices past the cycle length
wrap around the mirrored cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIdle(cmd, idleOpts)
	},
}

func init() {
	f := idleCmd.Flags()
	f.StringVarP(&idleOpts.AvatarID, "avatar-id", "a", "", "Avatar identity (bundle key)")
	f.Uint64Var(&idleOpts.FrameIndex, "index", 0, "Logical frame index")
	f.StringVarP(&idleOpts.OutputPath, "output", "o", "idle.png", "Output PNG")
	idleCmd.MarkFlagRequired("avatar-id")
	rootCmd.AddCommand(idleCmd)
}

func runIdle(cmd *cobra.Command, opts Options) error {
	if err := bundle.ValidateIdentity(opts.AvatarID); err != nil {
		return err
	}
	fs, err := storage.Open(storeURI)
	if err != nil {
		return err
	}
	b, _, err := bundle.NewCache(fs, bundle.Models{}).Load(cmd.Context(), opts.AvatarID)
	if err != nil {
		return fmt.Errorf("no usable bundle for %s (run prepare first): %w", opts.AvatarID, err)
	}
	a, err := avatar.New(opts.AvatarID, b, nil, nil, avatar.DefaultConfig())
	if err != nil {
		return err
	}
	if err := writePNG(opts.OutputPath, a.IdleFrame(opts.FrameIndex)); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "🖼️  Wrote idle frame %d of %s to %s\n", opts.FrameIndex, opts.AvatarID, opts.OutputPath)
	return nil
}
