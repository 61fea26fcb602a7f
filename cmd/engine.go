package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/storage"
	"github.com/andresmejia3/avatarstream/internal/store"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"github.com/andresmejia3/avatarstream/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// addPrepareFlags registers the parameters that determine bundle content.
func addPrepareFlags(cmd *cobra.Command, opts *Options) {
	f := cmd.Flags()
	f.StringVarP(&opts.AvatarID, "avatar-id", "a", "", "Avatar identity (bundle key)")
	f.StringVarP(&opts.Source, "source", "s", "", "Source video file or directory of PNG/JPEG frames")
	f.IntVar(&opts.BBoxShift, "bbox-shift", 0, "Vertical face box shift passed to the detector")
	f.IntVar(&opts.ExtraMargin, "extra-margin", 10, "Pixels added below the detected face box")
	f.StringVar(&opts.ParsingMode, "parsing-mode", bundle.ParsingJaw, "Face parsing mode for masks (jaw, raw)")
	f.IntVar(&opts.LeftCheekWidth, "left-cheek-width", 90, "Left cheek width used by the jaw parsing mode")
	f.IntVar(&opts.RightCheekWidth, "right-cheek-width", 90, "Right cheek width used by the jaw parsing mode")
	f.BoolVarP(&opts.Force, "force", "f", false, "Regenerate the bundle even if a valid one exists")
	cmd.MarkFlagRequired("avatar-id")
	cmd.MarkFlagRequired("source")
}

// addStreamFlags registers the per-session generation parameters.
func addStreamFlags(cmd *cobra.Command, opts *Options) {
	f := cmd.Flags()
	f.IntVarP(&opts.BatchSize, "batch-size", "b", 20, "Frames reconstructed per model call")
	f.IntVar(&opts.FPS, "fps", 25, "Output frame rate")
	f.IntVar(&opts.PadLeft, "pad-left", 2, "Audio context frames before each output frame")
	f.IntVar(&opts.PadRight, "pad-right", 2, "Audio context frames after each output frame")
	f.IntVar(&opts.QueueDepth, "queue-depth", 0, "Patch queue capacity (default 2 x batch size)")
	f.StringVar(&opts.PopTimeout, "pop-timeout", "1s", "Consumer wait before re-checking for shutdown")
	f.BoolVar(&opts.Warmup, "warmup", false, "Run one silent batch through the models before starting")
}

func prepareParams(opts Options) bundle.Params {
	return bundle.Params{
		BBoxShift:       opts.BBoxShift,
		ExtraMargin:     opts.ExtraMargin,
		ParsingMode:     opts.ParsingMode,
		LeftCheekWidth:  opts.LeftCheekWidth,
		RightCheekWidth: opts.RightCheekWidth,
	}
}

// validatePrepareFlags checks the bundle parameters before any worker starts.
func validatePrepareFlags(opts Options) error {
	if err := bundle.ValidateIdentity(opts.AvatarID); err != nil {
		return err
	}
	if _, err := os.Stat(opts.Source); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source does not exist: %s", opts.Source)
		}
		return fmt.Errorf("unable to access source: %w", err)
	}
	return prepareParams(opts).Validate()
}

// streamConfig converts and validates the generation flags.
func streamConfig(opts Options) (avatar.Config, error) {
	timeout, err := time.ParseDuration(opts.PopTimeout)
	if err != nil {
		return avatar.Config{}, fmt.Errorf("invalid pop-timeout format (use '1s', '500ms'): %w", err)
	}
	cfg := avatar.Config{
		BatchSize:  opts.BatchSize,
		FPS:        opts.FPS,
		PadLeft:    opts.PadLeft,
		PadRight:   opts.PadRight,
		QueueDepth: opts.QueueDepth,
		PopTimeout: timeout,
	}
	return cfg, cfg.Validate()
}

func workerConfig() (worker.Config, error) {
	cfg := worker.DefaultConfig()
	cfg.Python = workerOpts.Python
	cfg.Script = workerOpts.Script
	cfg.Debug = workerOpts.Debug
	timeout, err := time.ParseDuration(workerOpts.Timeout)
	if err != nil {
		return cfg, fmt.Errorf("invalid worker-timeout format (use '2m', '30s'): %w", err)
	}
	cfg.ReadTimeout = timeout
	return cfg, nil
}

// startWorker launches the model worker and waits until its models are loaded.
func startWorker(ctx context.Context) (*worker.PythonWorker, error) {
	cfg, err := workerConfig()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "⚙️  Starting model worker (%s %s)...\n", cfg.Python, cfg.Script)
	w, err := worker.NewPythonWorker(ctx, 0, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Ping(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("model worker did not come up: %w\n%s", err, w.Cmd.Stderr.String())
	}
	return w, nil
}

// newCache opens the configured bundle store with a progress bar for preparation.
func newCache(w *worker.PythonWorker) (*bundle.Cache, error) {
	fs, err := storage.Open(storeURI)
	if err != nil {
		return nil, err
	}
	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("🧑 Preparing avatar"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}
		bar.Set(done)
		if done == total {
			bar.Finish()
			fmt.Fprintln(os.Stderr)
		}
	}
	models := bundle.Models{Detector: w, Encoder: w, Masker: w}
	return bundle.NewCache(fs, models, bundle.WithProgress(progress)), nil
}

// prepareAvatar loads or builds the bundle and registers it when a registry is configured.
func prepareAvatar(ctx context.Context, cache *bundle.Cache, opts Options) (*bundle.Loaded, error) {
	loaded, err := cache.PrepareOrLoad(ctx, opts.AvatarID, opts.Source, prepareParams(opts), opts.Force)
	if err != nil {
		return nil, err
	}
	reportLoaded(opts.AvatarID, loaded)
	if err := registerAvatar(ctx, activeRegistry(), opts, loaded); err != nil {
		return nil, err
	}
	return loaded, nil
}

// checkSourceFPS warns when a video source runs at a different rate than the
// output, since the idle loop then plays faster or slower than the original.
func checkSourceFPS(ctx context.Context, source string, fps int) {
	if info, err := os.Stat(source); err != nil || info.IsDir() {
		return
	}
	srcFPS, err := utils.GetVideoFPS(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read source frame rate: %v\n", err)
		return
	}
	if math.Abs(srcFPS-float64(fps)) > 0.01 {
		fmt.Fprintf(os.Stderr, "⚠️  Source runs at %.2f fps but output is %d fps\n", srcFPS, fps)
	}
}

func reportLoaded(identity string, loaded *bundle.Loaded) {
	if loaded.Regenerated {
		fmt.Fprintf(os.Stderr, "✅ Prepared %s: %d cycle frames (%s)\n", identity, loaded.Bundle.Len(), loaded.Reason)
		return
	}
	fmt.Fprintf(os.Stderr, "♻️  Reusing cached bundle for %s: %d cycle frames\n", identity, loaded.Bundle.Len())
}

// registry is the part of the avatar registry that run commands write to.
type registry interface {
	UpsertAvatar(ctx context.Context, a store.Avatar) error
	InsertUtterance(ctx context.Context, u store.Utterance) error
}

// activeRegistry returns DB, or nil when no registry is configured.
func activeRegistry() registry {
	if DB == nil {
		return nil
	}
	return DB
}

// registerAvatar upserts the avatar row on every run, cache hits included.
// Utterance rows reference it.
func registerAvatar(ctx context.Context, reg registry, opts Options, loaded *bundle.Loaded) error {
	if reg == nil {
		return nil
	}
	return reg.UpsertAvatar(ctx, store.Avatar{
		ID:          opts.AvatarID,
		Fingerprint: loaded.Manifest.Fingerprint,
		FrameCount:  loaded.Bundle.Len(),
		Source:      opts.Source,
		StoreURI:    storeURI,
		PreparedAt:  loaded.Manifest.CreatedAt,
	})
}

// recordUtterance stores a finished run in the registry, if any.
func recordUtterance(ctx context.Context, reg registry, identity string, u avatar.Utterance, rep avatar.Report) {
	if reg == nil {
		return
	}
	err := reg.InsertUtterance(ctx, store.Utterance{
		ID:         rep.Session,
		AvatarID:   identity,
		StartIndex: rep.Start.Index(),
		Frames:     rep.Frames,
		Fallbacks:  rep.Fallbacks,
		Duration:   u.Duration(),
		Elapsed:    rep.Elapsed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to record utterance: %v\n", err)
	}
}

// workerLogs returns the worker's stderr capture for error boxes.
func workerLogs(w *worker.PythonWorker) *utils.SafeCommand {
	if w == nil {
		return nil
	}
	return w.Cmd
}
