package executor

import (
	"bytes"
	"sync"
)

const truncatedMarker = "\n[output truncated]\n"

// capBuffer collects process output up to a limit. Writes past the limit are
// discarded but reported as consumed so the child never sees a short write.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCapBuffer(max int) *capBuffer { return &capBuffer{max: max} }

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

// note appends s ignoring the cap; used for executor diagnostics.
func (b *capBuffer) note(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 0 && !bytes.HasSuffix(b.buf.Bytes(), []byte("\n")) {
		b.buf.WriteByte('\n')
	}
	b.buf.WriteString(s)
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
