package avatar

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a stage of an utterance run.
type State int

const (
	StateIdle State = iota
	StateExtracting
	StateGenerating
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateExtracting:
		return "Extracting"
	case StateGenerating:
		return "Generating"
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sink receives composited frames in strictly increasing index order from
// a single goroutine.
type Sink interface {
	WriteFrame(ctx context.Context, index uint64, frame *image.RGBA) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, index uint64, frame *image.RGBA) error

func (f SinkFunc) WriteFrame(ctx context.Context, index uint64, frame *image.RGBA) error {
	return f(ctx, index, frame)
}

// Utterance is one bounded piece of audio to animate.
type Utterance struct {
	Samples    []float32
	SampleRate int
}

// Duration is the playback length of the audio.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// Report summarises a finished (or aborted) run.
type Report struct {
	Session   string
	Frames    int
	Fallbacks int
	Start     FrameCursor
	// Next is where the following utterance should continue.
	Next FrameCursor

	ChunkTime     time.Duration
	GenerateTime  time.Duration
	CompositeTime time.Duration
	Elapsed       time.Duration
}

// Pipeline runs utterances for one avatar: a producer goroutine generating
// batches and a single consumer compositing them in index order, joined by
// a bounded queue.
type Pipeline struct {
	avatar  *Avatar
	sink    Sink
	onState func(State)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithStateHook observes state transitions. The hook is called from the
// goroutine making the transition, never concurrently.
func WithStateHook(fn func(State)) PipelineOption {
	return func(p *Pipeline) { p.onState = fn }
}

// NewPipeline creates a pipeline delivering to sink, which may be nil.
func NewPipeline(a *Avatar, sink Sink, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{avatar: a, sink: sink}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run animates u starting at cursor start. It returns once every frame of
// the utterance has been delivered, or the first error after both
// goroutines have stopped. Cancelling ctx aborts the run with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, start FrameCursor, u Utterance) (Report, error) {
	a := p.avatar
	session := uuid.NewString()
	log := a.log.With(zap.String("session", session))
	began := time.Now()
	rep := Report{Session: session, Start: start, Next: start}

	p.transition(session, StateExtracting)
	chunks, err := a.Chunk(ctx, u.Samples, u.SampleRate)
	rep.ChunkTime = time.Since(began)
	if err != nil {
		p.transition(session, StateDone)
		return rep, err
	}
	total := len(chunks)

	p.transition(session, StateGenerating)
	queue := make(chan types.GeneratedPatch, a.cfg.queueDepth())
	g, gctx := errgroup.WithContext(ctx)

	var genTime time.Duration
	g.Go(func() error {
		for off := 0; off < total; off += a.cfg.BatchSize {
			end := min(off+a.cfg.BatchSize, total)
			t0 := time.Now()
			patches, err := a.Generate(gctx, chunks[off:end], start.Index()+uint64(off))
			if err != nil {
				return err
			}
			genTime += time.Since(t0)
			log.Debug("batch generated", zap.Int("offset", off), zap.Int("size", end-off), zap.Duration("took", time.Since(t0)))
			for _, patch := range patches {
				select {
				case queue <- patch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		// Only a complete producer closes the queue, so a closed queue
		// before the last index is always a bug, never a lost race.
		close(queue)
		p.transition(session, StateDraining)
		return nil
	})

	var (
		delivered, fallbacks int
		compTime             time.Duration
	)
	g.Go(func() error {
		expected := start.Index()
		timer := time.NewTimer(a.cfg.PopTimeout)
		defer timer.Stop()
		starved := 0
		for delivered < total {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case patch, ok := <-queue:
				if !ok {
					return fmt.Errorf("queue closed after %d of %d frames", delivered, total)
				}
				starved = 0
				if patch.Index != expected {
					return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, patch.Index, expected)
				}
				t0 := time.Now()
				res := a.Composite(patch)
				compTime += time.Since(t0)
				if res.Fallback() {
					fallbacks++
				}
				if p.sink != nil {
					if err := p.sink.WriteFrame(gctx, patch.Index, res.Frame); err != nil {
						return fmt.Errorf("deliver frame %d: %w", patch.Index, err)
					}
				}
				expected++
				delivered++
			case <-timer.C:
				starved++
				if starved == starvationWarnAfter {
					log.Warn("consumer starved", zap.Int("timeouts", starved), zap.Uint64("waiting_for", expected))
				}
			case <-gctx.Done():
				return gctx.Err()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.cfg.PopTimeout)
		}
		return nil
	})

	err = g.Wait()
	rep.Frames = delivered
	rep.Fallbacks = fallbacks
	rep.Next = start.Advance(delivered)
	rep.GenerateTime = genTime
	rep.CompositeTime = compTime
	rep.Elapsed = time.Since(began)
	p.transition(session, StateDone)

	if err != nil {
		logging.LogError(err, "utterance aborted", zap.String("session", session), zap.Int("delivered", delivered), zap.Int("expected", total))
		return rep, err
	}
	log.Debug("utterance profile",
		zap.Duration("chunk", rep.ChunkTime),
		zap.Duration("generate", rep.GenerateTime),
		zap.Duration("composite", rep.CompositeTime),
		zap.Duration("elapsed", rep.Elapsed))
	return rep, nil
}

func (p *Pipeline) transition(session string, s State) {
	logging.LogPipelineEvent(session, s.String())
	if p.onState != nil {
		p.onState(s)
	}
}
