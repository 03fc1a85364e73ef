package engine

import "encoding/binary"

// maskedBits is -65536 as bfloat16. Added to an attention score it removes
// the position from the softmax.
const maskedBits uint16 = 0xC780

// decodeMask is the host copy of the additive mask of single position
// passes. Entry j covers cache slot j; the last entry is the position being
// computed and is always visible.
type decodeMask struct {
	buf     []byte
	visible int
}

func newDecodeMask(width int) *decodeMask {
	m := &decodeMask{buf: make([]byte, 2*width)}
	m.reset()
	return m
}

func (m *decodeMask) width() int { return len(m.buf) / 2 }

func (m *decodeMask) reset() {
	for j := 0; j < m.width()-1; j++ {
		binary.LittleEndian.PutUint16(m.buf[2*j:], maskedBits)
	}
	binary.LittleEndian.PutUint16(m.buf[len(m.buf)-2:], 0)
	m.visible = 0
}

// reveal unmasks slots [0, n).
func (m *decodeMask) reveal(n int) {
	n = min(n, m.width()-1)
	for j := m.visible; j < n; j++ {
		binary.LittleEndian.PutUint16(m.buf[2*j:], 0)
	}
	if n > m.visible {
		m.visible = n
	}
}

func (m *decodeMask) bytes() []byte { return m.buf }

// causalMask returns a p x p bfloat16 mask in which row i sees columns 0..i.
func causalMask(p int) []byte {
	buf := make([]byte, 2*p*p)
	for i := 0; i < p; i++ {
		for j := i + 1; j < p; j++ {
			binary.LittleEndian.PutUint16(buf[2*(i*p+j):], maskedBits)
		}
	}
	return buf
}

// positions replicates pos over every index axis.
func positions(axes, pos int) []uint32 {
	out := make([]uint32, axes)
	for i := range out {
		out[i] = uint32(pos)
	}
	return out
}
