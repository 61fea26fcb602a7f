package bundle

import (
	"fmt"
	"image"

	"github.com/vmihailenco/msgpack/v5"
)

// rawImage is the on-disk form of a frame or mask: tightly packed pixels
// with origin at (0,0).
type rawImage struct {
	W   int    `msgpack:"w"`
	H   int    `msgpack:"h"`
	Pix []byte `msgpack:"pix"`
}

func packRGBA(m *image.RGBA) rawImage {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := m.PixOffset(b.Min.X, y)
		pix = append(pix, m.Pix[off:off+w*4]...)
	}
	return rawImage{W: w, H: h, Pix: pix}
}

func unpackRGBA(r rawImage) (*image.RGBA, error) {
	if r.W <= 0 || r.H <= 0 || len(r.Pix) != r.W*r.H*4 {
		return nil, fmt.Errorf("bad rgba record %dx%d with %d bytes", r.W, r.H, len(r.Pix))
	}
	return &image.RGBA{Pix: r.Pix, Stride: r.W * 4, Rect: image.Rect(0, 0, r.W, r.H)}, nil
}

func packGray(m *image.Gray) rawImage {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := m.PixOffset(b.Min.X, y)
		pix = append(pix, m.Pix[off:off+w]...)
	}
	return rawImage{W: w, H: h, Pix: pix}
}

func unpackGray(r rawImage) (*image.Gray, error) {
	if r.W <= 0 || r.H <= 0 || len(r.Pix) != r.W*r.H {
		return nil, fmt.Errorf("bad gray record %dx%d with %d bytes", r.W, r.H, len(r.Pix))
	}
	return &image.Gray{Pix: r.Pix, Stride: r.W, Rect: image.Rect(0, 0, r.W, r.H)}, nil
}

// encodeArtifacts serialises the bundle into one blob per artifact file.
func encodeArtifacts(b *Bundle) (map[string][]byte, error) {
	frames := make([]rawImage, len(b.Frames))
	for i, f := range b.Frames {
		frames[i] = packRGBA(f)
	}
	masks := make([]rawImage, len(b.Masks))
	for i, m := range b.Masks {
		masks[i] = packGray(m)
	}
	values := map[string]any{
		LatentsFile:       b.Latents,
		FaceBoxesFile:     b.FaceBoxes,
		MaskCropBoxesFile: b.MaskCropBoxes,
		FramesFile:        frames,
		MasksFile:         masks,
	}
	out := make(map[string][]byte, len(values))
	for name, v := range values {
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// decodeArtifacts is the inverse of encodeArtifacts.
func decodeArtifacts(blobs map[string][]byte) (*Bundle, error) {
	var (
		b      Bundle
		frames []rawImage
		masks  []rawImage
	)
	targets := map[string]any{
		LatentsFile:       &b.Latents,
		FaceBoxesFile:     &b.FaceBoxes,
		MaskCropBoxesFile: &b.MaskCropBoxes,
		FramesFile:        &frames,
		MasksFile:         &masks,
	}
	for name, dst := range targets {
		if err := msgpack.Unmarshal(blobs[name], dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	b.Frames = make([]*image.RGBA, len(frames))
	for i, r := range frames {
		m, err := unpackRGBA(r)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		b.Frames[i] = m
	}
	b.Masks = make([]*image.Gray, len(masks))
	for i, r := range masks {
		m, err := unpackGray(r)
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		b.Masks[i] = m
	}
	return &b, nil
}

