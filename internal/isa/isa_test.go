package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAllGenerations(t *testing.T) {
	for _, gen := range SupportedGenerations() {
		t.Run(gen.String(), func(t *testing.T) {
			p, err := Encode(gen, Options{Poll: true})
			require.NoError(t, err)
			assert.Len(t, p.Words, ProgramWords)
			assert.Equal(t, 0, p.PollOffset, "poll word lives at the page start")
			assert.Equal(t, 4, p.StartOffset)
			assert.Greater(t, p.CondOffset, 0)
			assert.Equal(t, p.CondRunning, p.Words[p.CondOffset/4])
			assert.NotEqual(t, Terminator(), p.CondRunning,
				"running and terminated condition values must differ")
			// A poll store and the loop branch both need addresses.
			assert.GreaterOrEqual(t, len(p.Relocs), 2)
		})
	}
}

func TestEncodeUnsupportedGeneration(t *testing.T) {
	_, err := Encode(Generation(1), Options{})
	require.ErrorIs(t, err, ErrUnsupportedGeneration)

	_, err = Encode(Generation(99), Options{})
	require.ErrorIs(t, err, ErrUnsupportedGeneration)
}

func TestEncodeCondEnd(t *testing.T) {
	t.Run("refused below gen6", func(t *testing.T) {
		for _, gen := range []Generation{Gen2, Gen3, Gen4, Gen5} {
			_, err := Encode(gen, Options{CondEnd: true})
			assert.ErrorIs(t, err, ErrUnsupportedGeneration, gen.String())
		}
	})

	t.Run("condition word outside the executed loop", func(t *testing.T) {
		p, err := Encode(Gen9, Options{CondEnd: true})
		require.NoError(t, err)
		// The conditional end must reference the condition word by
		// address: one reloc slot's delta points at it.
		var found bool
		for _, r := range p.Relocs {
			if r.Delta == p.CondOffset {
				found = true
			}
		}
		assert.True(t, found, "no reloc slot targets the condition word")
		// The word after the backward branch is the condition word, so
		// the branch sits just before it.
		assert.Equal(t, p.CondRunning, p.Words[p.CondOffset/4])
	})

	t.Run("direct mode condition word is the loop head", func(t *testing.T) {
		p, err := Encode(Gen9, Options{})
		require.NoError(t, err)
		// The backward branch targets the condition word itself.
		var target int
		for _, r := range p.Relocs {
			target = r.Delta
		}
		assert.Equal(t, p.CondOffset, target)
	})
}

func TestEncodeLegacyBranchDelta(t *testing.T) {
	p, err := Encode(Gen2, Options{})
	require.NoError(t, err)
	last := p.Relocs[len(p.Relocs)-1]
	assert.Equal(t, 1, last.Delta&1, "gen2 branch targets carry the low flag bit")
	assert.Equal(t, 1, last.Width)

	p8, err := Encode(Gen8, Options{})
	require.NoError(t, err)
	last8 := p8.Relocs[len(p8.Relocs)-1]
	assert.Zero(t, last8.Delta&1)
	assert.Equal(t, 2, last8.Width, "gen8 uses 64-bit branch operands")
}

func TestEncodeInvalidInstruction(t *testing.T) {
	p, err := Encode(Gen9, Options{InvalidInstruction: true})
	require.NoError(t, err)
	var planted bool
	for _, w := range p.Words {
		if w == bogusInstruction {
			planted = true
		}
	}
	assert.True(t, planted)

	_, ok := Decode(Gen9, bogusInstruction)
	assert.False(t, ok, "the planted opcode must not decode")
}

func TestEncodeArbCheckOmission(t *testing.T) {
	count := func(p Program) int {
		n := 0
		for _, w := range p.Words {
			if w == miArbCheck {
				n++
			}
		}
		return n
	}

	base, err := Encode(Gen9, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count(base))

	for _, opts := range []Options{{NoPreempt: true}, {Fast: true}} {
		p, err := Encode(Gen9, opts)
		require.NoError(t, err)
		assert.Zero(t, count(p))
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, gen := range SupportedGenerations() {
		t.Run(gen.String(), func(t *testing.T) {
			p, err := Encode(gen, Options{Poll: true})
			require.NoError(t, err)
			// Walk the executed region; every instruction up to and
			// including the backward branch must decode.
			i := p.StartOffset / 4
			for {
				inst, ok := Decode(gen, p.Words[i])
				require.True(t, ok, "undecodable word %#x at %d", p.Words[i], i)
				i += inst.Len
				if inst.Op == OpBatchBufferStart {
					break
				}
				require.Less(t, i, ProgramWords)
			}
		})
	}
}
