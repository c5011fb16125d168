// Package isa encodes self-looping GPU command streams for the hardware
// generations exercised by the conformance suite. The per-generation opcode
// layouts live in table.go and are versioned data validated against hardware
// documentation, not logic to be inferred.
package isa

import (
	"errors"
	"fmt"
)

// Generation identifies a hardware generation. Instruction widths, addressing
// modes and the conditional-termination layout all depend on it.
type Generation int

const (
	Gen2  Generation = 2
	Gen3  Generation = 3
	Gen4  Generation = 4
	Gen5  Generation = 5
	Gen6  Generation = 6
	Gen7  Generation = 7
	Gen8  Generation = 8
	Gen9  Generation = 9
	Gen11 Generation = 11
	Gen12 Generation = 12
)

func (g Generation) String() string {
	return fmt.Sprintf("gen%d", int(g))
}

// Supported reports whether an encoding table exists for the generation.
func (g Generation) Supported() bool {
	_, ok := encodings[g]
	return ok
}

// BatchSize is the size of every encoded program in bytes. Programs are
// padded with no-ops to a full page so the command streamer never prefetches
// past the allocation.
const BatchSize = 4096

// ProgramWords is the program length in dwords.
const ProgramWords = BatchSize / 4

// ErrUnsupportedGeneration is returned when no encoding table exists for the
// requested generation, or the generation cannot express a requested feature.
var ErrUnsupportedGeneration = errors.New("unsupported hardware generation")

// Options selects the optional pieces of the emitted loop.
type Options struct {
	// Poll emits a store of the started sentinel to the poll word before
	// entering the loop, so the controlling thread can busy-wait for proof
	// of execution.
	Poll bool

	// CondEnd terminates the loop with a conditional batch-buffer end
	// watching the condition word, instead of overwriting the loop head.
	// Required when a command parser may execute a validated read-only copy
	// of the stream.
	CondEnd bool

	// NoPreempt omits the arbitration checkpoint, keeping the loop
	// non-preemptible.
	NoPreempt bool

	// Fast omits the arbitration checkpoint to tighten the loop without
	// claiming non-preemptibility.
	Fast bool

	// InvalidInstruction plants an undefined opcode ahead of the loop for
	// command-parser and hang negative testing.
	InvalidInstruction bool
}

// RelocSlot records a dword slot in the program that must receive a GPU
// address before execution: the batch address plus Delta is written at byte
// Offset, as Width dwords (little-endian low dword first).
type RelocSlot struct {
	Offset int
	Delta  int
	Width  int
}

// Program is an encoded spin loop plus the offsets a submitter needs to drive
// it.
type Program struct {
	Words []uint32

	// CondOffset is the byte offset of the condition word. While it holds
	// CondRunning the loop keeps spinning; writing Terminator ends it.
	CondOffset int

	// PollOffset is the byte offset of the poll word, or -1 when polling is
	// disabled. The stream stores PollStarted there once truly executing.
	PollOffset int

	// StartOffset is the byte offset execution begins at.
	StartOffset int

	// CondRunning is the condition word's initial, still-spinning value.
	CondRunning uint32

	Relocs []RelocSlot
}

// Terminator returns the condition-word value that ends the loop.
func Terminator() uint32 { return miBatchBufferEnd }

// PollStarted is the sentinel the stream stores once it is executing.
const PollStarted uint32 = 1

// DepRelocOffset is the byte offset, inside the no-op padding, where a dummy
// write relocation against a dependency buffer is patched. Nothing executes
// it; it exists only to order the batch after the dependency.
const DepRelocOffset = 1024

type cursor struct {
	words []uint32
	idx   int
}

func (c *cursor) emit(v uint32) int {
	if c.idx >= len(c.words) {
		panic("isa: program overflow")
	}
	c.words[c.idx] = v
	i := c.idx
	c.idx++
	return i
}

// Encode builds the spin loop for a generation. The emitted stream optionally
// stores the started sentinel, optionally carries an undefined opcode, then
// loops: condition word, arbitration checkpoint, unconditional branch back to
// the loop head. The remainder of the page is no-op padding.
func Encode(gen Generation, opts Options) (Program, error) {
	enc, ok := encodings[gen]
	if !ok {
		return Program{}, fmt.Errorf("%w: %s", ErrUnsupportedGeneration, gen)
	}
	if opts.CondEnd && enc.condCmd == 0 {
		return Program{}, fmt.Errorf("%w: %s has no conditional batch end", ErrUnsupportedGeneration, gen)
	}

	p := Program{
		Words:      make([]uint32, ProgramWords),
		PollOffset: -1,
	}
	c := &cursor{words: p.Words}

	// Word 0 is the poll word, data only. Padding and the poll word share
	// the no-op encoding, so a zeroed page is already valid.
	pollIdx := c.emit(miNoop)
	p.StartOffset = c.idx * 4

	if opts.Poll {
		p.PollOffset = pollIdx * 4
		c.emit(enc.storeCmd)
		p.Relocs = append(p.Relocs, RelocSlot{
			Offset: c.idx * 4,
			Delta:  pollIdx * 4,
			Width:  enc.storeAddrWords,
		})
		for i := 0; i < enc.storeAddrWords; i++ {
			c.emit(0)
		}
		c.emit(PollStarted)
	}

	if opts.InvalidInstruction {
		c.emit(bogusInstruction)
	}

	loopHead := c.idx
	condSlot := -1
	if opts.CondEnd {
		c.emit(enc.condCmd)
		c.emit(miBatchBufferEnd) // compare value
		condSlot = len(p.Relocs)
		p.Relocs = append(p.Relocs, RelocSlot{
			Offset: c.idx * 4,
			Width:  enc.condAddrWords,
		})
		for i := 0; i < enc.condAddrWords; i++ {
			c.emit(0)
		}
	} else {
		p.CondOffset = c.emit(miNoop) * 4
	}

	if !opts.NoPreempt && !opts.Fast {
		c.emit(miArbCheck)
	}

	c.emit(enc.bbsCmd)
	delta := loopHead * 4
	if enc.bbsLowBitDelta {
		delta |= 1
	}
	p.Relocs = append(p.Relocs, RelocSlot{
		Offset: c.idx * 4,
		Delta:  delta,
		Width:  enc.bbsAddrWords,
	})
	for i := 0; i < enc.bbsAddrWords; i++ {
		c.emit(0)
	}

	if opts.CondEnd {
		// The condition word lives just past the branch, where execution
		// never reaches; the conditional end above reads it by address.
		p.CondOffset = c.emit(miNoop) * 4
		p.Relocs[condSlot].Delta = p.CondOffset
	}

	p.CondRunning = miNoop
	return p, nil
}
