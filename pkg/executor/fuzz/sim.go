package fuzz

import (
	"bytes"
	"errors"
	"fmt"
)

// SimEmulator is a deterministic stand-in for a real instruction-level
// emulator, used by tests and local dry runs. It models just enough
// behaviour for the campaign loop to be exercised end to end: edge
// coverage derived from the input's control of a synthetic program
// counter, a crash triggered when the input embeds the image's leading
// magic bytes, and an execution budget that turns oversized inputs into
// timeouts. Identical inputs always produce identical outcomes, so crash
// signatures replay exactly.
type SimEmulator struct {
	target    Target
	loaded    bool
	snapshots int
	// dirty models state mutated by an execution; Restore clears it.
	dirty bool
}

// NewSimEmulator creates an unloaded simulator.
func NewSimEmulator() *SimEmulator { return &SimEmulator{} }

// SimFactory builds SimEmulators regardless of architecture.
func SimFactory(string) (Emulator, error) { return NewSimEmulator(), nil }

// Load validates and records the target.
func (e *SimEmulator) Load(target Target) error {
	if len(target.Binary) < 4 {
		return fmt.Errorf("binary image too small: %d bytes", len(target.Binary))
	}
	if target.Project.Loader == nil {
		return errors.New("target has no loader configuration")
	}
	e.target = target
	e.loaded = true
	return nil
}

// Snapshot records pristine state.
func (e *SimEmulator) Snapshot() error {
	if !e.loaded {
		return errors.New("snapshot before load")
	}
	e.snapshots++
	e.dirty = false
	return nil
}

// Restore rewinds to the snapshot.
func (e *SimEmulator) Restore() error {
	if e.snapshots == 0 {
		return errors.New("restore without snapshot")
	}
	e.dirty = false
	return nil
}

// simMaxInput models the instruction budget: longer inputs "time out".
const simMaxInput = 4096

// Execute interprets the input as a walk over a synthetic control-flow
// graph seeded by the binary image. The image's first four bytes act as a
// magic value; an input embedding it steers execution into a fault.
func (e *SimEmulator) Execute(input []byte, coverage []byte) (Outcome, error) {
	if !e.loaded {
		return Outcome{}, errors.New("execute before load")
	}
	if e.dirty {
		return Outcome{}, errors.New("execute without restore: state from previous input would leak")
	}
	e.dirty = true

	if len(input) > simMaxInput {
		return Outcome{Exit: ExitTimeout}, nil
	}

	base := e.target.Project.Loader.BaseAddress
	imageLen := uint64(len(e.target.Binary))
	pc := e.target.Function
	var prevEdge uint64
	var stack [8]uint64

	for i, b := range input {
		// Synthetic branch: the next block depends on the current pc, the
		// input byte, and the image byte it lands on.
		offset := (pc + uint64(b)) % imageLen
		pc = base + (offset*131+uint64(e.target.Binary[offset]))%imageLen
		stack[i%len(stack)] = pc

		if len(coverage) > 0 {
			cur := pc % uint64(len(coverage))
			idx := (cur ^ (prevEdge >> 1)) % uint64(len(coverage))
			if coverage[idx] < 0xff {
				coverage[idx]++
			}
			prevEdge = cur
		}
	}

	if idx := bytes.Index(input, e.target.Binary[:4]); idx >= 0 {
		// Fault site derives from where the magic landed, so distinct
		// positions produce distinct, stable signatures.
		crashPC := base + (uint64(idx)*4099)%imageLen
		if idx%7 == 0 {
			// A slice of faults escapes the image entirely (wild jump).
			crashPC = base + imageLen + uint64(idx)*16
		}
		var stackHash uint64 = 1469598103934665603 // FNV offset basis
		for _, frame := range stack {
			stackHash ^= frame
			stackHash *= 1099511628211
		}
		return Outcome{Exit: ExitCrash, PC: crashPC, StackHash: stackHash}, nil
	}

	return Outcome{Exit: ExitOk}, nil
}

// Close is a no-op for the simulator.
func (e *SimEmulator) Close() error { return nil }
