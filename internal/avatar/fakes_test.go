package avatar

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/cycle"
	"github.com/andresmejia3/avatarstream/internal/types"
)

const testFrameSize = 16

var testFace = types.Rect{X1: 4, Y1: 4, X2: 12, Y2: 12}

// testBundle builds a ping-pong bundle from half source frames whose red
// channel and latent both carry the source position.
func testBundle(half int) *bundle.Bundle {
	frames := make([]*image.RGBA, half)
	boxes := make([]types.Rect, half)
	masks := make([]*image.Gray, half)
	latents := make([]types.Latent, half)
	for i := 0; i < half; i++ {
		f := image.NewRGBA(image.Rect(0, 0, testFrameSize, testFrameSize))
		for p := 0; p < len(f.Pix); p += 4 {
			f.Pix[p], f.Pix[p+1], f.Pix[p+2], f.Pix[p+3] = uint8(i+1), 40, 80, 255
		}
		m := image.NewGray(image.Rect(0, 0, testFace.Dx(), testFace.Dy()))
		for p := range m.Pix {
			m.Pix[p] = 255
		}
		frames[i], boxes[i], masks[i] = f, testFace, m
		latents[i] = types.Latent{Shape: []int{1}, Data: []float32{float32(i)}}
	}
	return &bundle.Bundle{
		Frames:        cycle.PingPong(frames),
		FaceBoxes:     cycle.PingPong(boxes),
		Masks:         cycle.PingPong(masks),
		MaskCropBoxes: cycle.PingPong(boxes),
		Latents:       cycle.PingPong(latents),
	}
}

// fakeChunker yields floor(duration * fps) chunks.
type fakeChunker struct {
	calls             atomic.Int32
	err               error
	padLeft, padRight int
}

func (f *fakeChunker) ChunkAudio(_ context.Context, samples []float32, sampleRate, fps, padLeft, padRight int) ([]types.EmbeddingChunk, error) {
	f.calls.Add(1)
	f.padLeft, f.padRight = padLeft, padRight
	if f.err != nil {
		return nil, f.err
	}
	n := len(samples) * fps / sampleRate
	out := make([]types.EmbeddingChunk, n)
	for i := range out {
		out[i] = types.EmbeddingChunk{Rows: EmbeddingRows, Cols: EmbeddingCols, Data: make([]float32, EmbeddingRows*EmbeddingCols)}
	}
	return out, nil
}

// fakeRecon returns one white (or zero) patch per latent.
type fakeRecon struct {
	mu       sync.Mutex
	calls    atomic.Int32
	batches  []int
	latents  []float32
	zero     bool
	short    bool
	err      error
	timestep int

	// delay stalls every call, as a slow accelerator would.
	delay time.Duration
}

func (f *fakeRecon) Reconstruct(ctx context.Context, latents []types.Latent, chunks []types.EmbeddingChunk, timestep int) ([]image.Image, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batches = append(f.batches, len(chunks))
	for _, l := range latents {
		f.latents = append(f.latents, l.Data[0])
	}
	f.timestep = timestep
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(latents)
	if f.short {
		n--
	}
	out := make([]image.Image, n)
	for i := range out {
		m := image.NewRGBA(image.Rect(0, 0, 8, 8))
		if !f.zero {
			for p := 0; p < len(m.Pix); p += 4 {
				m.Pix[p], m.Pix[p+1], m.Pix[p+2], m.Pix[p+3] = 255, 255, 255, 255
			}
		}
		out[i] = m
	}
	return out, nil
}

func (f *fakeRecon) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

// faceModels satisfies the bundle preparation interfaces for Service tests.
type faceModels struct{}

func (faceModels) DetectFace(context.Context, image.Image, int) (types.Rect, bool, error) {
	return testFace, true, nil
}

func (faceModels) EncodeLatent(_ context.Context, crop image.Image) (types.Latent, error) {
	return types.Latent{Shape: []int{1}, Data: []float32{0}}, nil
}

func (faceModels) GenerateMask(_ context.Context, _ image.Image, face types.Rect, _ bundle.MaskOptions) (*image.Gray, types.Rect, error) {
	m := image.NewGray(image.Rect(0, 0, face.Dx(), face.Dy()))
	for i := range m.Pix {
		m.Pix[i] = 255
	}
	return m, face, nil
}

func sourceFrames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		m := image.NewRGBA(image.Rect(0, 0, testFrameSize, testFrameSize))
		for x := 0; x < testFrameSize; x++ {
			for y := 0; y < testFrameSize; y++ {
				m.SetRGBA(x, y, color.RGBA{uint8(i + 1), 40, 80, 255})
			}
		}
		out[i] = m
	}
	return out
}

// collector is a Sink that records delivered indices.
type collector struct {
	indices []uint64
	frames  []*image.RGBA
	after   func(n int) error
}

func (c *collector) WriteFrame(_ context.Context, index uint64, frame *image.RGBA) error {
	c.indices = append(c.indices, index)
	c.frames = append(c.frames, frame)
	if c.after != nil {
		return c.after(len(c.indices))
	}
	return nil
}

var errModel = errors.New("model exploded")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PopTimeout = 20 * time.Millisecond
	return cfg
}
