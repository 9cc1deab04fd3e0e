// Package fuzz implements the coverage-guided fuzz campaign step: it layers
// a mutation and corpus scheduling loop on top of an instruction-level
// emulator capability, deduplicates faults by crash signature, and emits
// CrashReport artifacts plus periodic progress events.
package fuzz

import (
	"fmt"

	"github.com/papforge/pap/pkg/api"
)

// CoverageMapSize is the size of the edge hit-count bitmap an emulator
// fills during one execution.
const CoverageMapSize = 1 << 16

// ExitKind classifies one emulated execution.
type ExitKind string

const (
	ExitOk      ExitKind = "ok"
	ExitCrash   ExitKind = "crash"
	ExitTimeout ExitKind = "timeout"
	ExitOOM     ExitKind = "oom"
)

// Outcome reports how one input behaved under emulation. PC and StackHash
// are meaningful only for ExitCrash and together form the deduplication
// signature.
type Outcome struct {
	Exit      ExitKind
	PC        uint64
	StackHash uint64
}

// Target bundles everything an emulator needs to host the fuzzed routine.
type Target struct {
	Project api.Project
	// Binary is the raw image mapped at the project's loader base address.
	Binary []byte
	// Function is the entry address of the fuzzed routine.
	Function uint64
	// InputAddr is where each input is placed before execution.
	InputAddr uint64
	// Harness is an optional script run against fresh emulator state to
	// seed registers before each execution.
	Harness string
}

// Contains reports whether addr falls inside the mapped binary image.
func (t *Target) Contains(addr uint64) bool {
	if t.Project.Loader == nil {
		return false
	}
	base := t.Project.Loader.BaseAddress
	return addr >= base && addr < base+uint64(len(t.Binary))
}

// Emulator is the capability an instruction-level emulator exposes to the
// campaign. Implementations must make Snapshot/Restore cheap: the campaign
// restores pristine state before every execution so a fault in one input
// cannot corrupt state observed by the next.
type Emulator interface {
	// Load maps the target into the emulated address space.
	Load(target Target) error
	// Snapshot captures the current machine state.
	Snapshot() error
	// Restore rewinds to the last snapshot.
	Restore() error
	// Execute runs one input, filling coverage (len CoverageMapSize) with
	// edge hit counts.
	Execute(input []byte, coverage []byte) (Outcome, error)
	Close() error
}

// Factory builds an emulator for an architecture triple.
type Factory func(arch string) (Emulator, error)

// Signature derives the deduplication key for a crash: identical program
// counter and call-stack hash means the same bug. Replaying a crashing
// input against the same target must reproduce the same signature.
func Signature(o Outcome) string {
	return fmt.Sprintf("%016x-%016x", o.PC, o.StackHash)
}

// Classify assigns a severity to a fault. Control flow escaping the mapped
// image suggests a corrupted program counter and ranks highest.
func Classify(t *Target, o Outcome) string {
	switch o.Exit {
	case ExitCrash:
		if !t.Contains(o.PC) {
			return "high"
		}
		return "medium"
	case ExitOOM:
		return "low"
	default:
		return "info"
	}
}
