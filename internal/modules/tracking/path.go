// README: Fixed-capacity trailing path; the oldest position is dropped when full.
package tracking

type PathBuffer struct {
	buf   []Position
	start int
	size  int
}

func NewPathBuffer(capacity int) *PathBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PathBuffer{buf: make([]Position, capacity)}
}

func (b *PathBuffer) Push(p Position) {
	if b.size < len(b.buf) {
		b.buf[(b.start+b.size)%len(b.buf)] = p
		b.size++
		return
	}
	b.buf[b.start] = p
	b.start = (b.start + 1) % len(b.buf)
}

func (b *PathBuffer) Len() int {
	return b.size
}

// Snapshot returns the path oldest first.
func (b *PathBuffer) Snapshot() []Position {
	out := make([]Position, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.buf[(b.start+i)%len(b.buf)]
	}
	return out
}
