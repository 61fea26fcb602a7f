package avatar

// FrameCursor is the logical frame counter of a session. It is a value:
// operations return a new cursor and the owner decides where it lives.
type FrameCursor struct {
	idx uint64
}

// NewCursor starts a cursor at idx.
func NewCursor(idx uint64) FrameCursor { return FrameCursor{idx: idx} }

// Index returns the next logical frame index.
func (c FrameCursor) Index() uint64 { return c.idx }

// Advance returns the cursor moved forward by n frames.
func (c FrameCursor) Advance(n int) FrameCursor {
	if n < 0 {
		panic("avatar: frame cursor cannot move backwards")
	}
	return FrameCursor{idx: c.idx + uint64(n)}
}
