package worker

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/avatarstream/internal/avatar"
	"github.com/andresmejia3/avatarstream/internal/bundle"
	"github.com/andresmejia3/avatarstream/internal/types"
)

var (
	_ avatar.Chunker       = (*PythonWorker)(nil)
	_ avatar.Reconstructor = (*PythonWorker)(nil)
	_ bundle.FaceDetector  = (*PythonWorker)(nil)
	_ bundle.LatentEncoder = (*PythonWorker)(nil)
	_ bundle.MaskGenerator = (*PythonWorker)(nil)
)

// ChunkAudio runs the audio encoder and slices its features into one
// chunk per output frame.
func (w *PythonWorker) ChunkAudio(ctx context.Context, samples []float32, sampleRate, fps, padLeft, padRight int) ([]types.EmbeddingChunk, error) {
	var e encoder
	e.u32(sampleRate)
	e.u32(fps)
	e.u32(padLeft)
	e.u32(padRight)
	e.f32s(samples)
	body, err := w.call(ctx, OpChunkAudio, e.buf.Bytes())
	if err != nil {
		return nil, err
	}

	d := newDecoder(body)
	n := d.u32()
	rows, cols := d.u32(), d.u32()
	data := d.f32s()
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("chunk audio response: %w", err)
	}
	per := rows * cols
	if len(data) != n*per {
		return nil, fmt.Errorf("chunk audio response: %d values for %d chunks of %dx%d", len(data), n, rows, cols)
	}
	chunks := make([]types.EmbeddingChunk, n)
	for i := range chunks {
		chunks[i] = types.EmbeddingChunk{Rows: rows, Cols: cols, Data: data[i*per : (i+1)*per : (i+1)*per]}
	}
	return chunks, nil
}

// Reconstruct runs the denoising model and the decoder on one batch.
func (w *PythonWorker) Reconstruct(ctx context.Context, latents []types.Latent, chunks []types.EmbeddingChunk, timestep int) ([]image.Image, error) {
	var e encoder
	e.i32(timestep)
	e.u32(len(latents))
	for _, l := range latents {
		e.latent(l)
	}
	e.u32(len(chunks))
	for _, c := range chunks {
		e.chunk(c)
	}
	body, err := w.call(ctx, OpReconstruct, e.buf.Bytes())
	if err != nil {
		return nil, err
	}

	d := newDecoder(body)
	n := d.count(8)
	out := make([]image.Image, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.rgba())
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("reconstruct response: %w", err)
	}
	return out, nil
}

// DetectFace returns the face box shifted vertically by bboxShift.
func (w *PythonWorker) DetectFace(ctx context.Context, frame image.Image, bboxShift int) (types.Rect, bool, error) {
	var e encoder
	e.i32(bboxShift)
	e.rgba(frame)
	body, err := w.call(ctx, OpDetectFace, e.buf.Bytes())
	if err != nil {
		return types.Rect{}, false, err
	}
	d := newDecoder(body)
	found := d.u8() == 1
	box := d.rect()
	if err := d.finish(); err != nil {
		return types.Rect{}, false, fmt.Errorf("detect face response: %w", err)
	}
	return box, found, nil
}

// EncodeLatent encodes a face crop.
func (w *PythonWorker) EncodeLatent(ctx context.Context, crop image.Image) (types.Latent, error) {
	var e encoder
	e.rgba(crop)
	body, err := w.call(ctx, OpEncodeLatent, e.buf.Bytes())
	if err != nil {
		return types.Latent{}, err
	}
	d := newDecoder(body)
	l := d.latent()
	if err := d.finish(); err != nil {
		return types.Latent{}, fmt.Errorf("encode latent response: %w", err)
	}
	return l, nil
}

// GenerateMask runs face parsing and returns the blending mask and its crop box.
func (w *PythonWorker) GenerateMask(ctx context.Context, frame image.Image, face types.Rect, opts bundle.MaskOptions) (*image.Gray, types.Rect, error) {
	var e encoder
	e.str(opts.Mode)
	e.i32(opts.LeftCheekWidth)
	e.i32(opts.RightCheekWidth)
	e.rect(face)
	e.rgba(frame)
	body, err := w.call(ctx, OpGenerateMask, e.buf.Bytes())
	if err != nil {
		return nil, types.Rect{}, err
	}
	d := newDecoder(body)
	crop := d.rect()
	mask := d.gray()
	if err := d.finish(); err != nil {
		return nil, types.Rect{}, fmt.Errorf("generate mask response: %w", err)
	}
	return mask, crop, nil
}
