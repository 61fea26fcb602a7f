package avatar

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/logging"
	"go.uber.org/zap"
)

// Frame is a finished frame handed to a streaming caller.
type Frame struct {
	Identity string
	Index    uint64
	Image    *image.RGBA
	Idle     bool
	Fallback bool
}

// FrameHandler receives frames as soon as they are composited. It is
// called from the goroutine that pushed the audio.
type FrameHandler func(Frame)

// Service is the real-time API: audio is pushed in segments and rendered
// synchronously, frame by frame, with no background goroutines.
type Service struct {
	cache   *bundle.Cache
	chunker Chunker
	recon   Reconstructor
	cfg     Config
	onFrame FrameHandler
	warmup  bool
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFrameHandler switches the service from polling to push delivery.
func WithFrameHandler(fn FrameHandler) ServiceOption { return func(s *Service) { s.onFrame = fn } }

// WithWarmup runs Avatar.Warmup after every Prepare.
func WithWarmup() ServiceOption { return func(s *Service) { s.warmup = true } }

// session is the per-identity streaming state. Its lock serialises pushes
// for one identity; different identities never contend.
type session struct {
	mu         sync.Mutex
	avatar     *Avatar
	cursor     FrameCursor
	pending    []float32
	sampleRate int
	frames     []Frame
}

// NewService creates a Service.
func NewService(cache *bundle.Cache, chunker Chunker, recon Reconstructor, cfg Config, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cache:    cache,
		chunker:  chunker,
		recon:    recon,
		cfg:      cfg,
		log:      logging.Named("service"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Prepare loads or builds the bundle for identity and opens a fresh
// session at cursor zero. Preparing an identity twice resets its session.
func (s *Service) Prepare(ctx context.Context, identity, source string, p bundle.Params, force bool) (*bundle.Loaded, error) {
	loaded, err := s.cache.PrepareOrLoad(ctx, identity, source, p, force)
	if err != nil {
		return nil, err
	}
	a, err := New(identity, loaded.Bundle, s.chunker, s.recon, s.cfg)
	if err != nil {
		return nil, err
	}
	if s.warmup {
		a.Warmup(ctx)
	}
	s.mu.Lock()
	s.sessions[identity] = &session{avatar: a}
	s.mu.Unlock()
	s.log.Info("avatar ready",
		zap.String("identity", identity),
		zap.Int("cycle_length", loaded.Bundle.Len()),
		zap.Bool("regenerated", loaded.Regenerated))
	return loaded, nil
}

func (s *Service) session(identity string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAvatar, identity)
	}
	return sess, nil
}

// segmentSamples is the amount of audio rendered per step: about one batch
// of frames, rounded to a whole number of frames so chunking each segment on
// its own yields the same frame count as chunking the whole utterance.
func (s *Service) segmentSamples(sampleRate int) int {
	unit := s.cfg.FPS / gcd(sampleRate, s.cfg.FPS)
	frames := max(unit, s.cfg.BatchSize/unit*unit)
	return frames * sampleRate / s.cfg.FPS
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// PushAudio buffers samples and renders every complete segment. With final
// set, whatever remains is rendered too and the buffer is emptied.
func (s *Service) PushAudio(ctx context.Context, identity string, samples []float32, sampleRate int, final bool) error {
	sess, err := s.session(identity)
	if err != nil {
		return err
	}
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.pending) > 0 && sess.sampleRate != sampleRate {
		return fmt.Errorf("sample rate changed from %d to %d mid-utterance", sess.sampleRate, sampleRate)
	}
	sess.sampleRate = sampleRate
	sess.pending = append(sess.pending, samples...)

	seg := s.segmentSamples(sampleRate)
	for len(sess.pending) >= seg || (final && len(sess.pending) > 0) {
		n := min(seg, len(sess.pending))
		if err := s.render(ctx, sess, sess.pending[:n]); err != nil {
			sess.pending = nil
			return err
		}
		sess.pending = sess.pending[n:]
	}
	if final {
		sess.pending = nil
	}
	return nil
}

// render chunks one segment and composites it frame by frame. Caller holds sess.mu.
func (s *Service) render(ctx context.Context, sess *session, segment []float32) error {
	a := sess.avatar
	chunks, err := a.Chunk(ctx, segment, sess.sampleRate)
	if err != nil {
		return err
	}
	for off := 0; off < len(chunks); off += s.cfg.BatchSize {
		end := min(off+s.cfg.BatchSize, len(chunks))
		patches, err := a.Generate(ctx, chunks[off:end], sess.cursor.Index())
		if err != nil {
			return err
		}
		for _, patch := range patches {
			res := a.Composite(patch)
			s.emit(sess, Frame{
				Identity: a.Identity(),
				Index:    patch.Index,
				Image:    res.Frame,
				Fallback: res.Fallback(),
			})
		}
		sess.cursor = sess.cursor.Advance(len(patches))
	}
	return nil
}

func (s *Service) emit(sess *session, f Frame) {
	if s.onFrame != nil {
		s.onFrame(f)
		return
	}
	sess.frames = append(sess.frames, f)
}

// PollFrames drains the frames rendered since the last poll, in order.
func (s *Service) PollFrames(identity string) ([]Frame, error) {
	sess, err := s.session(identity)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := sess.frames
	sess.frames = nil
	return out, nil
}

// Idle returns the next frame of the idle loop and advances the cursor.
// No model is invoked.
func (s *Service) Idle(identity string) (Frame, error) {
	sess, err := s.session(identity)
	if err != nil {
		return Frame{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	idx := sess.cursor.Index()
	sess.cursor = sess.cursor.Advance(1)
	return Frame{Identity: identity, Index: idx, Image: sess.avatar.IdleFrame(idx), Idle: true}, nil
}

// Pending reports how many buffered samples await rendering.
func (s *Service) Pending(identity string) (int, error) {
	sess, err := s.session(identity)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.pending), nil
}

// Close drops the session for identity. The persisted bundle is kept.
func (s *Service) Close(identity string) {
	s.mu.Lock()
	delete(s.sessions, identity)
	s.mu.Unlock()
}
