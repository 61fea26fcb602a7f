package bundle

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/avatarstream/internal/cycle"
	"github.com/andresmejia3/avatarstream/internal/types"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"golang.org/x/image/draw"
)

// FaceDetector locates the face in a frame. found=false means no usable
// detection; the frame is then dropped from the bundle.
type FaceDetector interface {
	DetectFace(ctx context.Context, frame image.Image, bboxShift int) (box types.Rect, found bool, err error)
}

// LatentEncoder encodes a CropSize x CropSize face crop into a latent.
type LatentEncoder interface {
	EncodeLatent(ctx context.Context, crop image.Image) (types.Latent, error)
}

// MaskOptions configure face parsing for mask generation.
type MaskOptions struct {
	Mode            string
	LeftCheekWidth  int
	RightCheekWidth int
}

// MaskGenerator produces a blending mask sized to its crop box, and the
// crop box itself in frame coordinates.
type MaskGenerator interface {
	GenerateMask(ctx context.Context, frame image.Image, face types.Rect, opts MaskOptions) (*image.Gray, types.Rect, error)
}

// Models groups the preparation-time collaborators.
type Models struct {
	Detector FaceDetector
	Encoder  LatentEncoder
	Masker   MaskGenerator
}

// ProgressFunc is called after each source frame is processed.
type ProgressFunc func(done, total int)

// Prepare runs the preparation pipeline over decoded source frames and
// returns a validated bundle. It performs no I/O of its own.
func Prepare(ctx context.Context, m Models, sources []image.Image, p Params, progress ProgressFunc) (*Bundle, error) {
	var (
		frames  []*image.RGBA
		boxes   []types.Rect
		latents []types.Latent
	)
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := utils.ToRGBA(src)
		box, found, err := m.Detector.DetectFace(ctx, frame, p.BBoxShift)
		if err != nil {
			return nil, fmt.Errorf("detect face in frame %d: %w", i, err)
		}
		if found {
			box = growBox(box, p.ExtraMargin, frame.Bounds())
		}
		if found && !box.Empty() {
			latent, err := m.Encoder.EncodeLatent(ctx, cropFace(frame, box))
			if err != nil {
				return nil, fmt.Errorf("encode latent for frame %d: %w", i, err)
			}
			frames = append(frames, frame)
			boxes = append(boxes, box)
			latents = append(latents, latent)
		}
		if progress != nil {
			progress(i+1, len(sources))
		}
	}
	if len(frames) == 0 {
		return nil, ErrNoFaces
	}

	opts := MaskOptions{Mode: p.ParsingMode, LeftCheekWidth: p.LeftCheekWidth, RightCheekWidth: p.RightCheekWidth}
	masks := make([]*image.Gray, len(frames))
	crops := make([]types.Rect, len(frames))
	for i, frame := range frames {
		mask, crop, err := m.Masker.GenerateMask(ctx, frame, boxes[i], opts)
		if err != nil {
			return nil, fmt.Errorf("generate mask for frame %d: %w", i, err)
		}
		if mask.Bounds().Dx() != crop.Dx() || mask.Bounds().Dy() != crop.Dy() {
			return nil, fmt.Errorf("mask %d is %v, crop box is %dx%d", i, mask.Bounds().Size(), crop.Dx(), crop.Dy())
		}
		masks[i] = normalizeGray(mask)
		crops[i] = crop
	}

	b := &Bundle{
		Frames:        cycle.PingPong(frames),
		FaceBoxes:     cycle.PingPong(boxes),
		Masks:         cycle.PingPong(masks),
		MaskCropBoxes: cycle.PingPong(crops),
		Latents:       cycle.PingPong(latents),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// growBox extends the lower edge by margin to keep the chin inside the
// generated region, then clips to the frame.
func growBox(box types.Rect, margin int, bounds image.Rectangle) types.Rect {
	box.Y2 += margin
	return box.Clip(bounds)
}

// cropFace cuts the face box out of frame and resizes it to CropSize.
func cropFace(frame *image.RGBA, box types.Rect) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, CropSize, CropSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), frame, box.Image(), draw.Src, nil)
	return dst
}

func normalizeGray(src *image.Gray) *image.Gray {
	if src.Rect.Min == (image.Point{}) && src.Stride == src.Rect.Dx() {
		return src
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

