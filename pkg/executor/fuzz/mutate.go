package fuzz

import (
	"math/rand"
)

// interesting holds boundary values that historically shake out parser and
// arithmetic bugs.
var interesting = []byte{0x00, 0x01, 0x7f, 0x80, 0xff}

// Mutator derives new inputs from corpus entries using a havoc-style mix of
// byte-level operations. It is seeded, so a campaign with a fixed seed is
// reproducible.
type Mutator struct {
	rng *rand.Rand
	// MaxLen bounds generated inputs so the emulator's execution budget is
	// not wasted on pathological sizes.
	MaxLen int
}

// NewMutator creates a mutator with the given seed.
func NewMutator(seed int64) *Mutator {
	// #nosec G404 - fuzzing needs fast, seedable randomness, not crypto
	return &Mutator{rng: rand.New(rand.NewSource(seed)), MaxLen: simMaxInput}
}

// Mutate returns a new input derived from base, optionally splicing in a
// second corpus entry.
func (m *Mutator) Mutate(base []byte, splice []byte) []byte {
	out := make([]byte, len(base))
	copy(out, base)
	if len(out) == 0 {
		out = m.seed()
	}

	rounds := 1 + m.rng.Intn(8)
	for i := 0; i < rounds; i++ {
		switch m.rng.Intn(7) {
		case 0: // flip one bit
			pos := m.rng.Intn(len(out))
			out[pos] ^= 1 << m.rng.Intn(8)
		case 1: // overwrite with a random byte
			out[m.rng.Intn(len(out))] = byte(m.rng.Intn(256))
		case 2: // overwrite with an interesting value
			out[m.rng.Intn(len(out))] = interesting[m.rng.Intn(len(interesting))]
		case 3: // byte-level arithmetic
			pos := m.rng.Intn(len(out))
			out[pos] += byte(m.rng.Intn(35) - 17)
		case 4: // delete a span
			if len(out) > 1 {
				pos := m.rng.Intn(len(out))
				n := 1 + m.rng.Intn(maxInt(1, len(out)-pos))
				out = append(out[:pos], out[pos+minInt(n, len(out)-pos):]...)
			}
		case 5: // insert random bytes
			pos := m.rng.Intn(len(out) + 1)
			n := 1 + m.rng.Intn(8)
			insert := make([]byte, n)
			m.rng.Read(insert)
			out = append(out[:pos], append(insert, out[pos:]...)...)
		case 6: // splice a chunk from another corpus entry
			if len(splice) > 0 {
				from := m.rng.Intn(len(splice))
				chunk := splice[from : from+1+m.rng.Intn(len(splice)-from)]
				pos := m.rng.Intn(len(out) + 1)
				out = append(out[:pos], append(append([]byte(nil), chunk...), out[pos:]...)...)
			}
		}
		if len(out) == 0 {
			out = m.seed()
		}
	}

	if m.MaxLen > 0 && len(out) > m.MaxLen {
		out = out[:m.MaxLen]
	}
	return out
}

// seed generates a short random input when the corpus is empty.
func (m *Mutator) seed() []byte {
	out := make([]byte, 1+m.rng.Intn(64))
	m.rng.Read(out)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
