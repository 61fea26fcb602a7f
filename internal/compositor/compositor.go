// Package compositor blends a reconstructed face patch back into its
// original frame. It never fails: every problem turns into a
// FallbackToOriginal result carrying an untouched copy of the original.
package compositor

import (
	"fmt"
	"image"

	"github.com/andresmejia3/avatarstream/internal/types"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"golang.org/x/image/draw"
)

// Outcome distinguishes a blended frame from a substituted original.
type Outcome int

const (
	Composited Outcome = iota
	FallbackToOriginal
)

func (o Outcome) String() string {
	switch o {
	case Composited:
		return "composited"
	case FallbackToOriginal:
		return "fallback"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Reason says why a fallback happened.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonDegenerate: the resized patch has no non-zero color sample.
	ReasonDegenerate Reason = "degenerate reconstruction"
	// ReasonInvalidInput: nil images or a face box outside the frame.
	ReasonInvalidInput Reason = "invalid input"
	// ReasonMaskMismatch: the mask does not match its crop box.
	ReasonMaskMismatch Reason = "mask mismatch"
	// ReasonBlendPanic: resize or blend panicked.
	ReasonBlendPanic Reason = "blend failure"
)

// Result is the output of Composite. Frame is always non-nil when the
// original was non-nil, and is owned by the caller.
type Result struct {
	Frame   *image.RGBA
	Outcome Outcome
	Reason  Reason
	// Detail carries extra context for logging a fallback.
	Detail string
}

// Fallback reports whether the original frame was substituted.
func (r Result) Fallback() bool { return r.Outcome == FallbackToOriginal }

// Composite resizes patch to face, then alpha-blends it into a copy of
// orig using mask, which covers crop in frame coordinates. Only pixels
// inside both face and crop change. orig is never modified.
func Composite(orig *image.RGBA, patch image.Image, face types.Rect, mask *image.Gray, crop types.Rect) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallback(orig, ReasonBlendPanic, fmt.Sprint(r))
		}
	}()

	switch {
	case orig == nil || patch == nil || mask == nil:
		return fallback(orig, ReasonInvalidInput, "nil image")
	case patch.Bounds().Empty():
		return fallback(orig, ReasonInvalidInput, "empty patch")
	case !face.Within(orig.Bounds()):
		return fallback(orig, ReasonInvalidInput, fmt.Sprintf("face box %+v outside %v", face, orig.Bounds()))
	case mask.Bounds().Dx() != crop.Dx() || mask.Bounds().Dy() != crop.Dy():
		return fallback(orig, ReasonMaskMismatch, fmt.Sprintf("mask %v for crop %dx%d", mask.Bounds().Size(), crop.Dx(), crop.Dy()))
	}

	resized := Resize(patch, face.Dx(), face.Dy())
	if isZero(resized) {
		return fallback(orig, ReasonDegenerate, "")
	}

	out := utils.CloneRGBA(orig)
	region := face.Image().Intersect(crop.Image())
	mOff := mask.Bounds().Min
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			a := uint32(mask.Pix[mask.PixOffset(mOff.X+x-crop.X1, mOff.Y+y-crop.Y1)])
			if a == 0 {
				continue
			}
			s := resized.PixOffset(x-face.X1, y-face.Y1)
			d := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out.Pix[d+c] = blend(resized.Pix[s+c], out.Pix[d+c], a)
			}
		}
	}
	return Result{Frame: out, Outcome: Composited}
}

// Resize scales src to exactly w x h with Catmull-Rom filtering.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// blend mixes src over dst with 8-bit alpha a, rounding to nearest.
func blend(src, dst uint8, a uint32) uint8 {
	return uint8((uint32(src)*a + uint32(dst)*(255-a) + 127) / 255)
}

// isZero reports whether every color sample is zero. Alpha is ignored.
func isZero(m *image.RGBA) bool {
	for i := 0; i < len(m.Pix); i += 4 {
		if m.Pix[i]|m.Pix[i+1]|m.Pix[i+2] != 0 {
			return false
		}
	}
	return true
}

func fallback(orig *image.RGBA, reason Reason, detail string) Result {
	return Result{Frame: utils.CloneRGBA(orig), Outcome: FallbackToOriginal, Reason: reason, Detail: detail}
}
