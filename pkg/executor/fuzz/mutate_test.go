package fuzz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutatorDeterministic(t *testing.T) {
	base := []byte("seed input for mutation")
	splice := []byte("splice donor")

	m1 := NewMutator(42)
	m2 := NewMutator(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, m1.Mutate(base, splice), m2.Mutate(base, splice))
	}
}

func TestMutatorSeedsMatter(t *testing.T) {
	base := []byte("seed input for mutation")

	m1 := NewMutator(1)
	m2 := NewMutator(2)
	diverged := false
	for i := 0; i < 20 && !diverged; i++ {
		if string(m1.Mutate(base, nil)) != string(m2.Mutate(base, nil)) {
			diverged = true
		}
	}
	assert.True(t, diverged, "different seeds should explore differently")
}

func TestMutatorNeverEmptyNeverOversized(t *testing.T) {
	m := NewMutator(7)
	base := []byte{0x41}
	for i := 0; i < 1000; i++ {
		out := m.Mutate(base, base)
		require.NotEmpty(t, out)
		require.LessOrEqual(t, len(out), m.MaxLen)
		base = out
	}
}

func TestMutatorDoesNotAliasBase(t *testing.T) {
	m := NewMutator(3)
	base := []byte("immutable corpus entry")
	orig := string(base)
	for i := 0; i < 100; i++ {
		_ = m.Mutate(base, nil)
	}
	assert.Equal(t, orig, string(base), "corpus entries must not be mutated in place")
}

func TestMutatorEmptyBase(t *testing.T) {
	m := NewMutator(9)
	out := m.Mutate(nil, nil)
	assert.NotEmpty(t, out, "empty base is replaced by a generated seed")
}
