package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/avatarstream/internal/types"
)

// Op selects the model entry point on the Python side.
type Op byte

const (
	OpChunkAudio   Op = 1
	OpReconstruct  Op = 2
	OpDetectFace   Op = 3
	OpEncodeLatent Op = 4
	OpGenerateMask Op = 5
	OpPing         Op = 6
)

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// maxMessage caps a single response body.
const maxMessage = 1 << 30

// encoder accumulates a big-endian request payload.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v int) { binary.Write(&e.buf, binary.BigEndian, uint32(v)) }
func (e *encoder) i32(v int) { binary.Write(&e.buf, binary.BigEndian, int32(v)) }

func (e *encoder) f32s(v []float32) {
	e.u32(len(v))
	binary.Write(&e.buf, binary.BigEndian, v)
}

func (e *encoder) str(s string) {
	e.u32(len(s))
	e.buf.WriteString(s)
}

func (e *encoder) rect(r types.Rect) {
	binary.Write(&e.buf, binary.BigEndian, [4]int32{int32(r.X1), int32(r.Y1), int32(r.X2), int32(r.Y2)})
}

// rgba writes an image as [w][h][w*h*4 bytes], packed with origin (0,0).
func (e *encoder) rgba(img image.Image) {
	b := img.Bounds()
	e.u32(b.Dx())
	e.u32(b.Dy())
	if m, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := m.PixOffset(b.Min.X, y)
			e.buf.Write(m.Pix[off : off+b.Dx()*4])
		}
		return
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			e.buf.Write([]byte{byte(r >> 8), byte(g >> 8), byte(bl >> 8), byte(a >> 8)})
		}
	}
}

func (e *encoder) latent(l types.Latent) {
	e.u32(len(l.Shape))
	for _, d := range l.Shape {
		e.u32(d)
	}
	e.f32s(l.Data)
}

func (e *encoder) chunk(c types.EmbeddingChunk) {
	e.u32(c.Rows)
	e.u32(c.Cols)
	e.f32s(c.Data)
}

// decoder reads a big-endian response body. The first error sticks and
// every later read returns zero values.
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(body []byte) *decoder { return &decoder{r: bytes.NewReader(body)} }

func (d *decoder) read(v any) {
	if d.err == nil {
		d.err = binary.Read(d.r, binary.BigEndian, v)
	}
}

func (d *decoder) u32() int {
	var v uint32
	d.read(&v)
	return int(v)
}

func (d *decoder) u8() byte {
	var v uint8
	d.read(&v)
	return v
}

// count reads a length prefix and rejects values the remaining body cannot hold.
func (d *decoder) count(elemSize int) int {
	n := d.u32()
	if d.err == nil && n*elemSize > d.r.Len() {
		d.err = fmt.Errorf("length %d overruns body (%d bytes left)", n, d.r.Len())
		return 0
	}
	return n
}

func (d *decoder) f32s() []float32 {
	n := d.count(4)
	if d.err != nil {
		return nil
	}
	v := make([]float32, n)
	d.read(v)
	return v
}

func (d *decoder) rect() types.Rect {
	var v [4]int32
	d.read(&v)
	return types.Rect{X1: int(v[0]), Y1: int(v[1]), X2: int(v[2]), Y2: int(v[3])}
}

func (d *decoder) raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.r.Len() {
		d.err = fmt.Errorf("need %d bytes, have %d", n, d.r.Len())
		return nil
	}
	b := make([]byte, n)
	_, d.err = io.ReadFull(d.r, b)
	return b
}

func (d *decoder) rgba() *image.RGBA {
	w, h := d.u32(), d.u32()
	pix := d.raw(w * h * 4)
	if d.err != nil {
		return nil
	}
	return &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
}

func (d *decoder) gray() *image.Gray {
	w, h := d.u32(), d.u32()
	pix := d.raw(w * h)
	if d.err != nil {
		return nil
	}
	return &image.Gray{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}
}

func (d *decoder) latent() types.Latent {
	ndim := d.count(4)
	shape := make([]int, 0, ndim)
	for i := 0; i < ndim && d.err == nil; i++ {
		shape = append(shape, d.u32())
	}
	return types.Latent{Shape: shape, Data: d.f32s()}
}

// finish reports the sticky error, or trailing garbage.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes in response", d.r.Len())
	}
	return nil
}
