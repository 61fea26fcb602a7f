package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/storage"
	"github.com/andresmejia3/avatarstream/internal/store"
	"github.com/andresmejia3/avatarstream/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func validOpts(t *testing.T) Options {
	t.Helper()
	src := t.TempDir()
	return Options{
		AvatarID:        "alice",
		Source:          src,
		ExtraMargin:     10,
		ParsingMode:     bundle.ParsingJaw,
		LeftCheekWidth:  90,
		RightCheekWidth: 90,
		BatchSize:       20,
		FPS:             25,
		PadLeft:         2,
		PadRight:        2,
		PopTimeout:      "1s",
		Segment:         "200ms",
	}
}

func TestValidatePrepareFlags(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"Valid", func(o *Options) {}, false},
		{"Empty identity", func(o *Options) { o.AvatarID = "" }, true},
		{"Identity with slash", func(o *Options) { o.AvatarID = "a/b" }, true},
		{"Missing source", func(o *Options) { o.Source = "/does/not/exist" }, true},
		{"Unknown parsing mode", func(o *Options) { o.ParsingMode = "cheeks" }, true},
		{"Negative margin", func(o *Options) { o.ExtraMargin = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOpts(t)
			tt.mutate(&opts)
			err := validatePrepareFlags(opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePrepareFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamConfig(t *testing.T) {
	opts := validOpts(t)
	cfg, err := streamConfig(opts)
	if err != nil {
		t.Fatalf("streamConfig: %v", err)
	}
	if cfg.PopTimeout != time.Second || cfg.BatchSize != 20 || cfg.FPS != 25 {
		t.Errorf("unexpected config %+v", cfg)
	}

	opts.PopTimeout = "soon"
	if _, err := streamConfig(opts); err == nil {
		t.Error("expected error for bad pop-timeout")
	}
	opts = validOpts(t)
	opts.BatchSize = 0
	if _, err := streamConfig(opts); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestResolveDBURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	if got := resolveDBURL(""); got != "" {
		t.Errorf("resolveDBURL without env = %q, want empty", got)
	}
	if got := resolveDBURL("postgres://x"); got != "postgres://x" {
		t.Errorf("flag not preferred: %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "")
	t.Setenv("POSTGRES_PORT", "")
	want := "postgres://u:p@db:5432/avatarstream"
	if got := resolveDBURL(""); got != want {
		t.Errorf("resolveDBURL = %q, want %q", got, want)
	}
}

func TestValidateInferFlagsDefaultsOutput(t *testing.T) {
	opts := validOpts(t)
	opts.AudioPath = filepath.Join(t.TempDir(), "speech.wav")
	if err := os.WriteFile(opts.AudioPath, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validateInferFlags(&opts); err != nil {
		t.Fatalf("validateInferFlags: %v", err)
	}
	if opts.OutputPath != "alice.mp4" {
		t.Errorf("OutputPath = %q, want alice.mp4", opts.OutputPath)
	}

	opts.OutputPath = "out.avi"
	if err := validateInferFlags(&opts); err == nil {
		t.Error("expected error for non-mp4 output")
	}
	opts.OutputPath = ""
	opts.AudioPath = "/missing.wav"
	if err := validateInferFlags(&opts); err == nil {
		t.Error("expected error for missing audio")
	}
}

func TestValidateStreamFlags(t *testing.T) {
	opts := validOpts(t)
	opts.AudioPath = filepath.Join(t.TempDir(), "speech.wav")
	os.WriteFile(opts.AudioPath, []byte("RIFF"), 0o644)

	seg, err := validateStreamFlags(opts)
	if err != nil {
		t.Fatalf("validateStreamFlags: %v", err)
	}
	if seg != 200*time.Millisecond {
		t.Errorf("segment = %s", seg)
	}
	for _, bad := range []string{"0s", "-1s", "later"} {
		opts.Segment = bad
		if _, err := validateStreamFlags(opts); err == nil {
			t.Errorf("segment %q: expected error", bad)
		}
	}
}

func TestSegments(t *testing.T) {
	samples := make([]float32, 16000+1000)
	pieces := segments(samples, 16000, 250*time.Millisecond)
	if len(pieces) != 5 {
		t.Fatalf("got %d segments, want 5", len(pieces))
	}
	for i := 0; i < 4; i++ {
		if len(pieces[i]) != 4000 {
			t.Errorf("segment %d has %d samples", i, len(pieces[i]))
		}
	}
	if len(pieces[4]) != 1000 {
		t.Errorf("last segment has %d samples, want 1000", len(pieces[4]))
	}
	if got := segments(nil, 16000, time.Second); len(got) != 0 {
		t.Errorf("empty audio gave %d segments", len(got))
	}
}

func solid(w, h int, r uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = r, 255
	}
	return img
}

func TestPNGSinkNumbersFromStart(t *testing.T) {
	dir := t.TempDir()
	var got []uint64
	recorder := avatar.SinkFunc(func(_ context.Context, index uint64, _ *image.RGBA) error {
		got = append(got, index)
		return nil
	})
	sink := teeSink{&pngSink{dir: dir, first: 40}, recorder}

	for i := uint64(40); i < 43; i++ {
		if err := sink.WriteFrame(context.Background(), i, solid(4, 4, uint8(i))); err != nil {
			t.Fatalf("WriteFrame(%d): %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%08d.png", i))); err != nil {
			t.Errorf("frame %d missing: %v", i, err)
		}
	}
	if len(got) != 3 || got[0] != 40 || got[2] != 42 {
		t.Errorf("tee delivered %v", got)
	}
}

func TestTeeSinkStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	called := false
	sink := teeSink{
		avatar.SinkFunc(func(context.Context, uint64, *image.RGBA) error { return boom }),
		avatar.SinkFunc(func(context.Context, uint64, *image.RGBA) error { called = true; return nil }),
	}
	if err := sink.WriteFrame(context.Background(), 0, solid(1, 1, 0)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if called {
		t.Error("second sink called after failure")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := confirm(bufio.NewReader(strings.NewReader(tt.input)), "ok?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	resetYes = true
	defer func() { resetYes = false }()
	if !confirm(bufio.NewReader(strings.NewReader("")), "ok?") {
		t.Error("--yes should skip the prompt")
	}
}

// Minimal preparation models for building a bundle on disk.
type stubModels struct{}

var stubFace = types.Rect{X1: 2, Y1: 2, X2: 14, Y2: 8}

func (stubModels) DetectFace(context.Context, image.Image, int) (types.Rect, bool, error) {
	return stubFace, true, nil
}

func (stubModels) EncodeLatent(context.Context, image.Image) (types.Latent, error) {
	return types.Latent{Shape: []int{1}, Data: []float32{1}}, nil
}

func (stubModels) GenerateMask(_ context.Context, _ image.Image, face types.Rect, _ bundle.MaskOptions) (*image.Gray, types.Rect, error) {
	m := image.NewGray(image.Rect(0, 0, face.Dx(), face.Dy()))
	for i := range m.Pix {
		m.Pix[i] = 255
	}
	return m, face, nil
}

func writeSourceFrames(t *testing.T, dir string, reds ...uint8) {
	t.Helper()
	for i, r := range reds {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%03d.png", i)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, solid(16, 16, r)); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
}

func TestRunIdleWritesMirroredFrame(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeSourceFrames(t, src, 10, 20)

	storeURI = t.TempDir()
	defer func() { storeURI = "" }()
	fs, err := storage.Open(storeURI)
	if err != nil {
		t.Fatal(err)
	}
	m := stubModels{}
	cache := bundle.NewCache(fs, bundle.Models{Detector: m, Encoder: m, Masker: m})
	if _, err := cache.PrepareOrLoad(ctx, "alice", src, bundle.DefaultParams(), false); err != nil {
		t.Fatalf("PrepareOrLoad: %v", err)
	}

	// Cycle is [f0 f1 f1 f0]; index 5 wraps to slot 1.
	out := filepath.Join(t.TempDir(), "idle.png")
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	if err := runIdle(cmd, Options{AvatarID: "alice", FrameIndex: 5, OutputPath: out}); err != nil {
		t.Fatalf("runIdle: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := color.RGBAModel.Convert(img.At(0, 0)).(color.RGBA).R; got != 20 {
		t.Errorf("idle frame red = %d, want 20", got)
	}

	if err := runIdle(cmd, Options{AvatarID: "bob", OutputPath: out}); err == nil {
		t.Error("expected error for unprepared avatar")
	}
}

func TestShortFingerprint(t *testing.T) {
	if got := shortFingerprint("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("got %q", got)
	}
	if got := shortFingerprint("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}

// memRegistry mirrors the registry's foreign key: utterances need an avatar row.
type memRegistry struct {
	avatars    map[string]store.Avatar
	utterances []store.Utterance
}

func (m *memRegistry) UpsertAvatar(_ context.Context, a store.Avatar) error {
	if m.avatars == nil {
		m.avatars = make(map[string]store.Avatar)
	}
	m.avatars[a.ID] = a
	return nil
}

func (m *memRegistry) InsertUtterance(_ context.Context, u store.Utterance) error {
	if _, ok := m.avatars[u.AvatarID]; !ok {
		return fmt.Errorf("avatar %s is not registered", u.AvatarID)
	}
	m.utterances = append(m.utterances, u)
	return nil
}

func TestRegistryFilledOnCacheHit(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeSourceFrames(t, src, 10, 20)
	fs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := stubModels{}
	cache := bundle.NewCache(fs, bundle.Models{Detector: m, Encoder: m, Masker: m})

	// Prepared while no registry was configured.
	first, err := cache.PrepareOrLoad(ctx, "alice", src, bundle.DefaultParams(), false)
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{AvatarID: "alice", Source: src}
	if err := registerAvatar(ctx, nil, opts, first); err != nil {
		t.Fatalf("registerAvatar without registry: %v", err)
	}

	hit, err := cache.PrepareOrLoad(ctx, "alice", src, bundle.DefaultParams(), false)
	if err != nil {
		t.Fatal(err)
	}
	if hit.Regenerated {
		t.Fatal("second load regenerated the bundle")
	}

	reg := &memRegistry{}
	if err := registerAvatar(ctx, reg, opts, hit); err != nil {
		t.Fatalf("registerAvatar: %v", err)
	}
	row, ok := reg.avatars["alice"]
	if !ok {
		t.Fatal("cache hit did not register the avatar")
	}
	if row.Fingerprint != hit.Manifest.Fingerprint || row.FrameCount != 4 || !row.PreparedAt.Equal(hit.Manifest.CreatedAt) {
		t.Errorf("unexpected avatar row %+v", row)
	}

	rep := avatar.Report{Session: "s1", Frames: 25, Start: avatar.NewCursor(0)}
	recordUtterance(ctx, reg, "alice", avatar.Utterance{Samples: make([]float32, 16000), SampleRate: 16000}, rep)
	if len(reg.utterances) != 1 || reg.utterances[0].Frames != 25 || reg.utterances[0].Duration != time.Second {
		t.Errorf("utterances = %+v", reg.utterances)
	}
}

func TestActiveRegistryNilWithoutDB(t *testing.T) {
	DB = nil
	if reg := activeRegistry(); reg != nil {
		t.Errorf("activeRegistry() = %v, want nil interface", reg)
	}
}

func TestIdleFrames(t *testing.T) {
	tests := []struct {
		seg  time.Duration
		fps  int
		want int
	}{
		{200 * time.Millisecond, 25, 5},
		{time.Second, 30, 30},
		{10 * time.Millisecond, 25, 1},
	}
	for _, tt := range tests {
		if got := idleFrames(tt.seg, tt.fps); got != tt.want {
			t.Errorf("idleFrames(%s, %d) = %d, want %d", tt.seg, tt.fps, got, tt.want)
		}
	}
}

func TestPublishIdleAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeSourceFrames(t, src, 10, 20)
	fs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := stubModels{}
	cache := bundle.NewCache(fs, bundle.Models{Detector: m, Encoder: m, Masker: m})
	svc, err := avatar.NewService(cache, nil, nil, avatar.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Prepare(ctx, "alice", src, bundle.DefaultParams(), false); err != nil {
		t.Fatal(err)
	}

	var got []avatar.Frame
	emit := func(f avatar.Frame) { got = append(got, f) }
	if err := publishIdle(svc, "alice", 3, emit); err != nil {
		t.Fatal(err)
	}
	if err := publishIdle(svc, "alice", 2, emit); err != nil {
		t.Fatal(err)
	}

	// Cycle is [f0 f1 f1 f0].
	wantRed := []uint8{10, 20, 20, 10, 10}
	if len(got) != len(wantRed) {
		t.Fatalf("published %d idle frames, want %d", len(got), len(wantRed))
	}
	for i, f := range got {
		if f.Index != uint64(i) || !f.Idle {
			t.Errorf("frame %d = {index %d idle %v}", i, f.Index, f.Idle)
		}
		if r := f.Image.Pix[0]; r != wantRed[i] {
			t.Errorf("frame %d red = %d, want %d", i, r, wantRed[i])
		}
	}

	if err := publishIdle(svc, "bob", 1, emit); !errors.Is(err, avatar.ErrUnknownAvatar) {
		t.Errorf("unknown avatar: err = %v", err)
	}
}

func TestLogSegmentUsesSugar(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.Set(zap.New(core))
	defer logging.Set(nil)

	logSegment(3, 20, 0)

	entries := logs.FilterMessage("segment pushed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["segment"] != int64(3) || fields["rendered"] != int64(20) || fields["idle"] != int64(0) {
		t.Errorf("fields = %v", fields)
	}
}

// syncCounter is a log sink that counts flushes.
type syncCounter struct{ syncs int }

func (s *syncCounter) Write(p []byte) (int, error) { return len(p), nil }
func (s *syncCounter) Sync() error { s.syncs++; return nil }

func TestRunCleansUpAfterFailure(t *testing.T) {
	sink := &syncCounter{}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zapcore.DebugLevel)
	logging.Set(zap.New(core))
	defer logging.Set(nil)

	rootCmd.SetArgs([]string{"idle", "--no-such-flag"})
	defer rootCmd.SetArgs([]string{})

	if err := run(context.Background()); err == nil {
		t.Fatal("expected an unknown flag error")
	}
	if sink.syncs != 1 {
		t.Errorf("logs flushed %d times, want 1", sink.syncs)
	}
	if DB != nil {
		t.Error("registry left open")
	}
}
