package avatar

import (
	"bytes"
	"context"
	"errors"
	"image"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/avatarstream/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func oneSecond() Utterance {
	return Utterance{Samples: make([]float32, DefaultSampleRate), SampleRate: DefaultSampleRate}
}

func TestPipelineOneSecondUtterance(t *testing.T) {
	recon := &fakeRecon{}
	a, ch := newTestAvatar(t, 3, recon)
	sink := &collector{}
	var states []State
	p := NewPipeline(a, sink, WithStateHook(func(s State) { states = append(states, s) }))

	rep, err := p.Run(context.Background(), NewCursor(0), oneSecond())
	if err != nil {
		t.Fatal(err)
	}
	if ch.padLeft != 2 || ch.padRight != 2 {
		t.Errorf("padding = %d/%d, want 2/2", ch.padLeft, ch.padRight)
	}
	if rep.Frames != 25 || len(sink.indices) != 25 {
		t.Fatalf("delivered %d (report %d), want 25", len(sink.indices), rep.Frames)
	}
	for i, idx := range sink.indices {
		if idx != uint64(i) {
			t.Fatalf("frame %d delivered with index %d", i, idx)
		}
	}
	if rep.Next.Index() != 25 {
		t.Errorf("next cursor = %d, want 25", rep.Next.Index())
	}
	if got := recon.batchSizes(); !reflect.DeepEqual(got, []int{20, 5}) {
		t.Errorf("batches = %v, want [20 5]", got)
	}
	want := []State{StateExtracting, StateGenerating, StateDraining, StateDone}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if rep.Session == "" || rep.Fallbacks != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestPipelineContinuesFromCursor(t *testing.T) {
	a, _ := newTestAvatar(t, 3, &fakeRecon{})
	sink := &collector{}
	p := NewPipeline(a, sink)

	first, err := p.Run(context.Background(), NewCursor(7), oneSecond())
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Run(context.Background(), first.Next, oneSecond())
	if err != nil {
		t.Fatal(err)
	}
	if second.Next.Index() != 57 {
		t.Errorf("next = %d, want 57", second.Next.Index())
	}
	for i, idx := range sink.indices {
		if idx != uint64(7+i) {
			t.Fatalf("delivery %d has index %d, want %d", i, idx, 7+i)
		}
	}
}

func TestPipelineDegeneratePatchesKeepCadence(t *testing.T) {
	a, _ := newTestAvatar(t, 2, &fakeRecon{zero: true})
	sink := &collector{}
	rep, err := NewPipeline(a, sink).Run(context.Background(), NewCursor(0), oneSecond())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fallbacks != 25 || len(sink.frames) != 25 {
		t.Fatalf("fallbacks=%d frames=%d", rep.Fallbacks, len(sink.frames))
	}
	n := uint64(a.bundle.Len())
	for i, f := range sink.frames {
		if !bytes.Equal(f.Pix, a.bundle.Frames[uint64(i)%n].Pix) {
			t.Fatalf("frame %d is not the original", i)
		}
	}
}

func TestPipelineAdapterFailureAborts(t *testing.T) {
	t.Run("reconstruction", func(t *testing.T) {
		a, _ := newTestAvatar(t, 2, &fakeRecon{err: errModel})
		_, err := NewPipeline(a, &collector{}).Run(context.Background(), NewCursor(0), oneSecond())
		if !errors.Is(err, ErrAdapter) || !errors.Is(err, errModel) {
			t.Errorf("err = %v, want ErrAdapter wrapping the model error", err)
		}
	})
	t.Run("chunking", func(t *testing.T) {
		recon := &fakeRecon{}
		a, ch := newTestAvatar(t, 2, recon)
		ch.err = errModel
		var states []State
		rep, err := NewPipeline(a, nil, WithStateHook(func(s State) { states = append(states, s) })).
			Run(context.Background(), NewCursor(4), oneSecond())
		if !errors.Is(err, ErrAdapter) {
			t.Errorf("err = %v", err)
		}
		if rep.Next.Index() != 4 || recon.calls.Load() != 0 {
			t.Errorf("failed chunking advanced the cursor or reached the model")
		}
		if states[len(states)-1] != StateDone {
			t.Errorf("final state %v", states[len(states)-1])
		}
	})
	t.Run("sink", func(t *testing.T) {
		a, _ := newTestAvatar(t, 2, &fakeRecon{})
		sink := &collector{after: func(n int) error {
			if n == 2 {
				return errModel
			}
			return nil
		}}
		rep, err := NewPipeline(a, sink).Run(context.Background(), NewCursor(0), oneSecond())
		if !errors.Is(err, errModel) {
			t.Errorf("err = %v", err)
		}
		if rep.Frames != 1 {
			t.Errorf("frames = %d, want 1", rep.Frames)
		}
	})
}

func TestPipelineCancellation(t *testing.T) {
	a, _ := newTestAvatar(t, 2, &fakeRecon{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collector{after: func(n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	rep, err := NewPipeline(a, sink).Run(ctx, NewCursor(0), oneSecond())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep.Frames != 3 || rep.Next.Index() != 3 {
		t.Errorf("frames=%d next=%d, want 3/3", rep.Frames, rep.Next.Index())
	}
}

func TestPipelineQueueIsBounded(t *testing.T) {
	recon := &fakeRecon{}
	ch := &fakeChunker{}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.QueueDepth = 2
	a, err := New("test", testBundle(2), ch, recon, cfg)
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var once sync.Once
	sink := SinkFunc(func(ctx context.Context, _ uint64, _ *image.RGBA) error {
		once.Do(func() { <-release })
		return nil
	})
	done := make(chan error, 1)
	go func() {
		_, err := NewPipeline(a, sink).Run(context.Background(), NewCursor(0), oneSecond())
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	// One frame held by the sink, two queued, one blocked on enqueue.
	if calls := recon.calls.Load(); calls > 4 {
		t.Errorf("producer ran %d batches ahead of a stalled consumer", calls)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if recon.calls.Load() != 25 {
		t.Errorf("batches = %d, want 25", recon.calls.Load())
	}
}

func TestPipelineEmptyUtterance(t *testing.T) {
	recon := &fakeRecon{}
	a, _ := newTestAvatar(t, 2, recon)
	rep, err := NewPipeline(a, &collector{}).Run(context.Background(), NewCursor(9), Utterance{SampleRate: DefaultSampleRate})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Frames != 0 || rep.Next.Index() != 9 || recon.calls.Load() != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "Draining" || State(42).String() != "State(42)" {
		t.Error("unexpected state names")
	}
}

func TestPipelineSurvivesProducerStalls(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logging.Set(zap.New(core))
	defer logging.Set(nil)

	// Each batch takes several pop timeouts to arrive.
	recon := &fakeRecon{delay: 150 * time.Millisecond}
	a, _ := newTestAvatar(t, 3, recon)
	sink := &collector{}

	rep, err := NewPipeline(a, sink).Run(context.Background(), NewCursor(0), oneSecond())
	if err != nil {
		t.Fatalf("stalled producer aborted the utterance: %v", err)
	}
	if rep.Frames != 25 || len(sink.indices) != 25 {
		t.Fatalf("delivered %d (report %d), want 25", len(sink.indices), rep.Frames)
	}
	for i, idx := range sink.indices {
		if idx != uint64(i) {
			t.Fatalf("frame %d delivered with index %d", i, idx)
		}
	}
	warnings := logs.FilterMessage("consumer starved")
	if warnings.Len() == 0 {
		t.Fatal("expected a starvation warning")
	}
	if got := warnings.All()[0].ContextMap()["timeouts"]; got != int64(starvationWarnAfter) {
		t.Errorf("warning timeouts = %v, want %d", got, starvationWarnAfter)
	}
}
