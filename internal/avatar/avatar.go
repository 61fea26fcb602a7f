// Package avatar turns embedding chunks into composited frames for one
// prepared identity. It holds the generation stage, the utterance
// pipeline and the real-time Service built on both.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/compositor"
	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/types"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"go.uber.org/zap"
)

var (
	// ErrBatchMismatch means the audio and latent batches disagree in size
	// or shape. It is a programming error and is never retried.
	ErrBatchMismatch = errors.New("batch size mismatch")
	// ErrAdapter wraps failures of the audio or reconstruction models.
	ErrAdapter = errors.New("model adapter failure")
	// ErrUnknownAvatar is returned for identities that were never prepared.
	ErrUnknownAvatar = errors.New("unknown avatar")
	// ErrOutOfOrder means the consumer saw a patch it did not expect.
	ErrOutOfOrder = errors.New("patch out of order")
)

// Chunker turns raw audio into one embedding chunk per output frame.
type Chunker interface {
	ChunkAudio(ctx context.Context, samples []float32, sampleRate, fps, padLeft, padRight int) ([]types.EmbeddingChunk, error)
}

// Reconstructor runs the latent reconstruction model and decoder on one
// batch, returning one patch per input in input order.
type Reconstructor interface {
	Reconstruct(ctx context.Context, latents []types.Latent, chunks []types.EmbeddingChunk, timestep int) ([]image.Image, error)
}

// Avatar binds a read-only bundle to the models that animate it. Its
// methods are safe for concurrent use.
type Avatar struct {
	identity string
	bundle   *bundle.Bundle
	chunker  Chunker
	recon    Reconstructor
	cfg      Config
	log      *zap.Logger
}

// New validates its inputs and returns an Avatar.
func New(identity string, b *bundle.Bundle, chunker Chunker, recon Reconstructor, cfg Config) (*Avatar, error) {
	if b == nil {
		return nil, fmt.Errorf("avatar %s: nil bundle", identity)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("avatar %s: %w", identity, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("avatar %s: %w", identity, err)
	}
	return &Avatar{
		identity: identity,
		bundle:   b,
		chunker:  chunker,
		recon:    recon,
		cfg:      cfg,
		log:      logging.Named("avatar").With(zap.String("identity", identity)),
	}, nil
}

func (a *Avatar) Identity() string { return a.identity }
func (a *Avatar) Config() Config { return a.cfg }
func (a *Avatar) Bundle() *bundle.Bundle { return a.bundle }

// Chunk runs the audio adapter with the avatar's fps and padding.
func (a *Avatar) Chunk(ctx context.Context, samples []float32, sampleRate int) ([]types.EmbeddingChunk, error) {
	chunks, err := a.chunker.ChunkAudio(ctx, samples, sampleRate, a.cfg.FPS, a.cfg.PadLeft, a.cfg.PadRight)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk audio: %w", ErrAdapter, err)
	}
	return chunks, nil
}

// Generate reconstructs one patch per chunk for logical indices
// start .. start+len(chunks)-1, invoking the model once for the batch.
func (a *Avatar) Generate(ctx context.Context, chunks []types.EmbeddingChunk, start uint64) ([]types.GeneratedPatch, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if len(chunks) > a.cfg.BatchSize {
		return nil, fmt.Errorf("%w: %d chunks exceed batch size %d", ErrBatchMismatch, len(chunks), a.cfg.BatchSize)
	}
	latents := make([]types.Latent, len(chunks))
	for i := range chunks {
		latents[i] = a.bundle.Latents[a.bundle.At(start+uint64(i))]
	}
	return a.generateBatch(ctx, latents, chunks, start)
}

func (a *Avatar) generateBatch(ctx context.Context, latents []types.Latent, chunks []types.EmbeddingChunk, start uint64) ([]types.GeneratedPatch, error) {
	if len(latents) != len(chunks) {
		return nil, fmt.Errorf("%w: %d latents for %d chunks", ErrBatchMismatch, len(latents), len(chunks))
	}
	rows, cols := chunks[0].Rows, chunks[0].Cols
	for i, c := range chunks {
		if c.Rows != rows || c.Cols != cols || len(c.Data) != c.Rows*c.Cols {
			return nil, fmt.Errorf("%w: chunk %d is %dx%d with %d values, batch is %dx%d",
				ErrBatchMismatch, i, c.Rows, c.Cols, len(c.Data), rows, cols)
		}
	}

	images, err := a.recon.Reconstruct(ctx, latents, chunks, a.cfg.Timestep)
	if err != nil {
		return nil, fmt.Errorf("%w: reconstruct: %w", ErrAdapter, err)
	}
	if len(images) != len(chunks) {
		return nil, fmt.Errorf("%w: reconstruct returned %d patches for %d inputs", ErrAdapter, len(images), len(chunks))
	}
	patches := make([]types.GeneratedPatch, len(images))
	for i, img := range images {
		patches[i] = types.GeneratedPatch{Image: img, Index: start + uint64(i)}
	}
	return patches, nil
}

// GenerateFrame is Generate with a batch of one.
func (a *Avatar) GenerateFrame(ctx context.Context, chunk types.EmbeddingChunk, idx uint64) (types.GeneratedPatch, error) {
	patches, err := a.Generate(ctx, []types.EmbeddingChunk{chunk}, idx)
	if err != nil {
		return types.GeneratedPatch{}, err
	}
	return patches[0], nil
}

// IdleFrame returns a copy of the cached frame for idx without touching
// any model.
func (a *Avatar) IdleFrame(idx uint64) *image.RGBA {
	return utils.CloneRGBA(a.bundle.Frames[a.bundle.At(idx)])
}

// Composite blends a patch into the cached frame at its index. Fallbacks
// are logged here; the compositor itself stays silent.
func (a *Avatar) Composite(p types.GeneratedPatch) compositor.Result {
	i := a.bundle.At(p.Index)
	res := compositor.Composite(a.bundle.Frames[i], p.Image, a.bundle.FaceBoxes[i], a.bundle.Masks[i], a.bundle.MaskCropBoxes[i])
	if res.Fallback() {
		a.log.Warn("substituting original frame",
			zap.Uint64("frame_index", p.Index),
			zap.Int("physical_index", i),
			zap.String("reason", string(res.Reason)),
			zap.String("detail", res.Detail))
	}
	return res
}

// RenderFrame generates and composites a single frame synchronously.
func (a *Avatar) RenderFrame(ctx context.Context, chunk types.EmbeddingChunk, idx uint64) (compositor.Result, error) {
	p, err := a.GenerateFrame(ctx, chunk, idx)
	if err != nil {
		return compositor.Result{}, err
	}
	return a.Composite(p), nil
}

// Warmup pushes one second of silence and one zero batch through the
// models so the first real utterance does not pay start-up costs.
// Failures are logged and otherwise ignored.
func (a *Avatar) Warmup(ctx context.Context) {
	start := time.Now()
	if _, err := a.Chunk(ctx, make([]float32, DefaultSampleRate), DefaultSampleRate); err != nil {
		a.log.Warn("warmup chunking failed", zap.Error(err))
	}
	chunks := make([]types.EmbeddingChunk, a.cfg.BatchSize)
	for i := range chunks {
		chunks[i] = types.EmbeddingChunk{Rows: EmbeddingRows, Cols: EmbeddingCols, Data: make([]float32, EmbeddingRows*EmbeddingCols)}
	}
	if _, err := a.Generate(ctx, chunks, 0); err != nil {
		a.log.Warn("warmup generation failed", zap.Error(err))
		return
	}
	a.log.Info("warmup complete", zap.Duration("took", time.Since(start)))
}
