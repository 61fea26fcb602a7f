package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/publish"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"github.com/spf13/cobra"
)

var streamOpts Options

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Push audio through the real-time service and publish frames to NATS",
	Long: `Feeds a WAV file to the streaming service in fixed segments, the way a live
audio source would, and publishes every finished frame as a JPEG on
avatar.<avatar-id>.frames. Idle frames are published before the audio starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd, streamOpts)
	},
}

func init() {
	addPrepareFlags(streamCmd, &streamOpts)
	addStreamFlags(streamCmd, &streamOpts)
	f := streamCmd.Flags()
	f.StringVarP(&streamOpts.AudioPath, "audio", "i", "", "Input WAV file")
	f.StringVar(&streamOpts.NATSURL, "nats", "", "NATS server URL (default: $NATS_URL or nats://127.0.0.1:4222)")
	f.StringVar(&streamOpts.Segment, "segment", "200ms", "Audio pushed per call")
	f.BoolVar(&streamOpts.Realtime, "realtime", false, "Pace pushes at playback speed")
	f.IntVar(&streamOpts.IdleLead, "idle-lead", 0, "Idle frames published before the audio")
	streamCmd.MarkFlagRequired("audio")
	rootCmd.AddCommand(streamCmd)
}

// validateStreamFlags checks the streaming-only flags and returns the segment length.
func validateStreamFlags(opts Options) (time.Duration, error) {
	if err := validatePrepareFlags(opts); err != nil {
		return 0, err
	}
	if _, err := os.Stat(opts.AudioPath); err != nil {
		return 0, fmt.Errorf("audio file does not exist: %s", opts.AudioPath)
	}
	seg, err := time.ParseDuration(opts.Segment)
	if err != nil {
		return 0, fmt.Errorf("invalid segment format (use '200ms', '1s'): %w", err)
	}
	if seg <= 0 {
		return 0, fmt.Errorf("segment must be positive, got %s", seg)
	}
	if opts.IdleLead < 0 {
		return 0, fmt.Errorf("idle-lead must be non-negative, got %d", opts.IdleLead)
	}
	return seg, nil
}

// segments splits samples into consecutive pieces of seg playback time.
func segments(samples []float32, rate int, seg time.Duration) [][]float32 {
	n := max(1, int(int64(rate)*int64(seg)/int64(time.Second)))
	var out [][]float32
	for off := 0; off < len(samples); off += n {
		out = append(out, samples[off:min(off+n, len(samples))])
	}
	return out
}

// idleFrames is how many frames one segment of wall time spans, at least one.
func idleFrames(seg time.Duration, fps int) int {
	return max(1, int(int64(seg)*int64(fps)/int64(time.Second)))
}

// publishIdle emits n idle-loop frames, advancing the session cursor.
func publishIdle(svc *avatar.Service, identity string, n int, emit avatar.FrameHandler) error {
	for i := 0; i < n; i++ {
		f, err := svc.Idle(identity)
		if err != nil {
			return err
		}
		emit(f)
	}
	return nil
}

func logSegment(i, rendered, idle int) {
	logging.Sugar.Debugw("segment pushed", "component", "stream", "segment", i, "rendered", rendered, "idle", idle)
}

func runStream(cmd *cobra.Command, opts Options) error {
	seg, err := validateStreamFlags(opts)
	if err != nil {
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

	nc, err := publish.Connect(opts.NATSURL, "avatarstream-stream")
	if err != nil {
		return err
	}
	pub := publish.New(nc)
	defer pub.Close()

	w, err := startWorker(ctx)
	if err != nil {
		return fail("Failed to start model worker", err, workerLogs(w))
	}
	defer w.Close()

	cache, err := newCache(w)
	if err != nil {
		return err
	}

	var published, fallbacks int
	var publishErr error
	handler := func(f avatar.Frame) {
		if err := pub.PublishFrame(f); err != nil && publishErr == nil {
			publishErr = err
		}
		published++
		if f.Fallback {
			fallbacks++
		}
	}
	svcOpts := []avatar.ServiceOption{avatar.WithFrameHandler(handler)}
	if opts.Warmup {
		svcOpts = append(svcOpts, avatar.WithWarmup())
	}
	svc, err := avatar.NewService(cache, w, w, cfg, svcOpts...)
	if err != nil {
		return err
	}

	loaded, err := svc.Prepare(ctx, opts.AvatarID, opts.Source, prepareParams(opts), opts.Force)
	if err != nil {
		return fail("Avatar preparation failed", err, workerLogs(w))
	}
	defer svc.Close(opts.AvatarID)
	reportLoaded(opts.AvatarID, loaded)
	if err := registerAvatar(ctx, activeRegistry(), opts, loaded); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "📡 Streaming to %s (stream %s)\n", publish.Subject(opts.AvatarID), pub.StreamID())
	if err := publishIdle(svc, opts.AvatarID, opts.IdleLead, handler); err != nil {
		return err
	}

	start := time.Now()
	pieces := segments(samples, rate, seg)
	var ticker *time.Ticker
	if opts.Realtime {
		ticker = time.NewTicker(seg)
		defer ticker.Stop()
	}
	idlePerTick := idleFrames(seg, cfg.FPS)
	for i, piece := range pieces {
		if ticker != nil && i > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		before := published
		final := i == len(pieces)-1
		if err := svc.PushAudio(ctx, opts.AvatarID, piece, rate, final); err != nil {
			return fail("Streaming failed", err, workerLogs(w))
		}
		rendered, idle := published-before, 0
		// Audio still buffering: keep the stream moving with the idle loop.
		if ticker != nil && !final && rendered == 0 {
			if err := publishIdle(svc, opts.AvatarID, idlePerTick, handler); err != nil {
				return err
			}
			idle = idlePerTick
		}
		if publishErr != nil {
			return fmt.Errorf("failed to publish frame: %w", publishErr)
		}
		logSegment(i, rendered, idle)
	}

	fmt.Fprintf(os.Stderr, "✅ Published %d frames (%d fallbacks) in %s\n",
		published, fallbacks, time.Since(start).Round(time.Millisecond))
	return nil
}
