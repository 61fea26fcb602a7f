// Package bundle prepares, persists and reloads the per-identity asset
// bundle: the five parallel arrays (frames, face boxes, masks, mask crop
// boxes, latents) that drive synthesis and the idle loop.
package bundle

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/avatarstream/internal/cycle"
	"github.com/andresmejia3/avatarstream/internal/types"
)

var (
	// ErrPreparation wraps any failure of the preparation pipeline. It is
	// fatal for the identity and is never retried.
	ErrPreparation = errors.New("bundle preparation failed")
	// ErrNoFaces is returned when no source frame yields a usable face box.
	ErrNoFaces = errors.New("no usable face detections")
	// ErrIncomplete reports a persisted bundle that is missing artifacts,
	// fails its checksums, or does not decode into a valid bundle.
	ErrIncomplete = errors.New("bundle incomplete")
)

// Bundle is the immutable asset set for one identity. All five slices have
// the same even length N, laid out as a forward+reversed cycle. It is safe
// for concurrent reads and must never be mutated after preparation.
type Bundle struct {
	Frames        []*image.RGBA
	FaceBoxes     []types.Rect
	Masks         []*image.Gray
	MaskCropBoxes []types.Rect
	Latents       []types.Latent
}

// Len returns the cycle length N.
func (b *Bundle) Len() int { return len(b.Frames) }

// At resolves a logical frame index to its physical slot.
func (b *Bundle) At(logical uint64) int { return cycle.Index(logical, b.Len()) }

// Validate checks the structural invariants of the bundle.
func (b *Bundle) Validate() error {
	n := len(b.Frames)
	if n == 0 {
		return fmt.Errorf("%w: empty", ErrIncomplete)
	}
	if n%2 != 0 {
		return fmt.Errorf("%w: odd cycle length %d", ErrIncomplete, n)
	}
	if len(b.FaceBoxes) != n || len(b.Masks) != n || len(b.MaskCropBoxes) != n || len(b.Latents) != n {
		return fmt.Errorf("%w: array lengths differ (frames=%d boxes=%d masks=%d crops=%d latents=%d)",
			ErrIncomplete, n, len(b.FaceBoxes), len(b.Masks), len(b.MaskCropBoxes), len(b.Latents))
	}
	for i, f := range b.Frames {
		if f == nil || b.Masks[i] == nil {
			return fmt.Errorf("%w: nil image at %d", ErrIncomplete, i)
		}
		if !b.FaceBoxes[i].Within(f.Bounds()) {
			return fmt.Errorf("%w: face box %d %+v outside frame %v", ErrIncomplete, i, b.FaceBoxes[i], f.Bounds())
		}
	}
	return nil
}
