package packet

import (
	"fmt"

	"github.com/pion/rtcp"
)

// Compound accumulates marshaled records into one outbound datagram bounded
// by a maximum size.
type Compound struct {
	buf     []byte
	maxSize int
}

// NewCompound returns an empty compound packet that holds at most maxSize
// bytes.
func NewCompound(maxSize int) *Compound {
	return &Compound{
		buf:     make([]byte, 0, maxSize),
		maxSize: maxSize,
	}
}

// Append marshals p and appends it. It returns ErrNoRoom, leaving the
// compound unchanged, when p does not fit.
func (c *Compound) Append(p rtcp.Packet) error {
	b, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %T: %w", p, err)
	}
	if len(c.buf)+len(b) > c.maxSize {
		return ErrNoRoom
	}
	c.buf = append(c.buf, b...)
	return nil
}

// Len returns the number of bytes written so far.
func (c *Compound) Len() int {
	return len(c.buf)
}

// Remaining returns the number of bytes still available.
func (c *Compound) Remaining() int {
	return c.maxSize - len(c.buf)
}

// Truncate restores the write position to n, discarding later records.
func (c *Compound) Truncate(n int) {
	if n < 0 || n > len(c.buf) {
		return
	}
	c.buf = c.buf[:n]
}

// Bytes returns the datagram. The slice aliases the compound's buffer.
func (c *Compound) Bytes() []byte {
	return c.buf
}

// Reset empties the compound so it can be reused.
func (c *Compound) Reset() {
	c.buf = c.buf[:0]
}
