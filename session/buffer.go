package session

// DefaultBufferSize bounds one capture attempt. A printout with its preamble is
// about 65 bytes; the rest is headroom for line noise.
const DefaultBufferSize = 512

// Buffer is a fixed-capacity, append-only byte buffer. Appends beyond capacity
// are truncated rather than grown.
type Buffer struct {
	data []byte
}

// NewBuffer allocates a buffer holding at most size bytes.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, 0, size)}
}

// Append copies as much of p as fits and returns the number of bytes copied.
func (b *Buffer) Append(p []byte) int {
	room := b.Remaining()
	if len(p) > room {
		p = p[:room]
	}
	b.data = append(b.data, p...)
	return len(p)
}

// Free returns the unused tail of the buffer for a direct read. Callers commit
// what they read with Grow.
func (b *Buffer) Free() []byte {
	return b.data[len(b.data):cap(b.data)]
}

// Grow commits n bytes previously read into Free.
func (b *Buffer) Grow(n int) {
	if n < 0 || n > b.Remaining() {
		panic("session: buffer grow out of range")
	}
	b.data = b.data[:len(b.data)+n]
}

// Bytes returns the accumulated bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Len() int       { return len(b.data) }
func (b *Buffer) Cap() int       { return cap(b.data) }
func (b *Buffer) Remaining() int { return cap(b.data) - len(b.data) }
func (b *Buffer) Full() bool     { return len(b.data) == cap(b.data) }

// Reset discards the accumulated bytes, keeping the capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }
