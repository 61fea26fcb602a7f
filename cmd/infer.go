package cmd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/publish"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var inferOpts Options

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Render a lip-synced video for one audio file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfer(cmd, inferOpts)
	},
}

func init() {
	addPrepareFlags(inferCmd, &inferOpts)
	addStreamFlags(inferCmd, &inferOpts)
	f := inferCmd.Flags()
	f.StringVarP(&inferOpts.AudioPath, "audio", "i", "", "Input WAV file")
	f.StringVarP(&inferOpts.OutputPath, "output", "o", "", "Output video (default: <avatar-id>.mp4)")
	f.StringVar(&inferOpts.NATSURL, "nats", "", "Also publish every frame to NATS at this URL")
	f.Uint64Var(&inferOpts.FrameIndex, "start-index", 0, "Logical frame index the utterance starts at")
	inferCmd.MarkFlagRequired("audio")
	rootCmd.AddCommand(inferCmd)
}

// validateInferFlags checks the audio input and fills in the default output path.
func validateInferFlags(opts *Options) error {
	if err := validatePrepareFlags(*opts); err != nil {
		return err
	}
	if _, err := os.Stat(opts.AudioPath); err != nil {
		return fmt.Errorf("audio file does not exist: %s", opts.AudioPath)
	}
	if opts.OutputPath == "" {
		opts.OutputPath = opts.AvatarID + ".mp4"
	}
	if filepath.Ext(opts.OutputPath) != ".mp4" {
		return fmt.Errorf("output must be an .mp4 file: %s", opts.OutputPath)
	}
	return nil
}

// pngSink writes each frame as dir/%08d.png, numbered from zero in delivery order.
type pngSink struct {
	dir   string
	first uint64
	bar   *progressbar.ProgressBar
}

func (s *pngSink) WriteFrame(ctx context.Context, index uint64, frame *image.RGBA) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%08d.png", index-s.first))
	if err := writePNG(path, frame); err != nil {
		return err
	}
	if s.bar != nil {
		s.bar.Add(1)
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// teeSink delivers every frame to each sink in order.
type teeSink []avatar.Sink

func (t teeSink) WriteFrame(ctx context.Context, index uint64, frame *image.RGBA) error {
	for _, s := range t {
		if err := s.WriteFrame(ctx, index, frame); err != nil {
			return err
		}
	}
	return nil
}

func runInfer(cmd *cobra.Command, opts Options) error {
	if err := validateInferFlags(&opts); err != nil {
		return err
	}
	cfg, err := streamConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	checkSourceFPS(ctx, opts.Source, cfg.FPS)

	samples, rate, err := utils.LoadWAV(opts.AudioPath)
	if err != nil {
		return err
	}
	u := avatar.Utterance{Samples: samples, SampleRate: rate}
	fmt.Fprintf(os.Stderr, "🎙️  Loaded %s (%s at %d Hz)\n", opts.AudioPath, u.Duration(), rate)

	w, err := startWorker(ctx)
	if err != nil {
		return fail("Failed to start model worker", err, workerLogs(w))
	}
	defer w.Close()

	cache, err := newCache(w)
	if err != nil {
		return err
	}
	loaded, err := prepareAvatar(ctx, cache, opts)
	if err != nil {
		return fail("Avatar preparation failed", err, workerLogs(w))
	}
	a, err := avatar.New(opts.AvatarID, loaded.Bundle, w, w, cfg)
	if err != nil {
		return err
	}
	if opts.Warmup {
		fmt.Fprintln(os.Stderr, "🔥 Warming up models...")
		a.Warmup(ctx)
	}

	framesDir, err := os.MkdirTemp("", "avatarstream-frames-*")
	if err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}
	defer os.RemoveAll(framesDir)

	total := int(int64(len(samples)) * int64(cfg.FPS) / int64(rate))
	sink := &pngSink{
		dir:   framesDir,
		first: opts.FrameIndex,
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎬 Rendering frames"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
		),
	}
	sinks := teeSink{sink}
	if opts.NATSURL != "" {
		nc, err := publish.Connect(opts.NATSURL, "avatarstream-infer")
		if err != nil {
			return err
		}
		pub := publish.New(nc)
		defer pub.Close()
		sinks = append(sinks, pub.Sink(opts.AvatarID))
		fmt.Fprintf(os.Stderr, "📡 Publishing frames to %s (stream %s)\n", publish.Subject(opts.AvatarID), pub.StreamID())
	}

	rep, err := avatar.NewPipeline(a, sinks).Run(ctx, avatar.NewCursor(opts.FrameIndex), u)
	sink.bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fail("Frame generation failed", err, workerLogs(w))
	}

	fmt.Fprintf(os.Stderr, "🎞️  Encoding %s...\n", opts.OutputPath)
	if failed, err := utils.MuxVideo(ctx, cfg.FPS, framesDir, opts.AudioPath, opts.OutputPath); err != nil {
		return fail("Video encoding failed", err, failed)
	}

	recordUtterance(ctx, activeRegistry(), opts.AvatarID, u, rep)
	fmt.Fprintf(os.Stderr, "✅ Wrote %s: %d frames (%d fallbacks) in %s, next index %d\n",
		opts.OutputPath, rep.Frames, rep.Fallbacks, rep.Elapsed.Round(time.Millisecond), rep.Next.Index())
	return nil
}
