package isa

// MI command opcodes shared by every generation in the table.
const (
	miNoop           uint32 = 0x00000000
	miBatchBufferEnd uint32 = 0x0a << 23
	miArbCheck       uint32 = 0x05 << 23

	miBatchBufferStart uint32 = 0x31 << 23
	miStoreDwordImm    uint32 = 0x20 << 23
	miCondBatchEnd     uint32 = 0x36 << 23

	miDoCompare  uint32 = 1 << 21
	miMemVirtual uint32 = 1 << 22

	// Deliberately undefined encoding for negative tests.
	bogusInstruction uint32 = 0xdeadbeef
)

// encoding is one row of the versioned per-generation table. A zero condCmd
// means the generation has no conditional batch end.
type encoding struct {
	bbsCmd         uint32
	bbsAddrWords   int
	bbsLowBitDelta bool

	storeCmd       uint32
	storeAddrWords int

	condCmd       uint32
	condAddrWords int
}

var encodings = map[Generation]encoding{
	Gen2: {
		bbsCmd:         miBatchBufferStart | 2<<6,
		bbsAddrWords:   1,
		bbsLowBitDelta: true,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
	},
	Gen3: {
		bbsCmd:         miBatchBufferStart | 2<<6,
		bbsAddrWords:   1,
		bbsLowBitDelta: true,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
	},
	Gen4: {
		bbsCmd:         miBatchBufferStart | 2<<6,
		bbsAddrWords:   1,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
	},
	Gen5: {
		bbsCmd:         miBatchBufferStart | 2<<6,
		bbsAddrWords:   1,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
	},
	Gen6: {
		bbsCmd:         miBatchBufferStart | 1<<8,
		bbsAddrWords:   1,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
		condCmd:        miCondBatchEnd | miDoCompare | 1,
		condAddrWords:  1,
	},
	Gen7: {
		bbsCmd:         miBatchBufferStart | 1<<8,
		bbsAddrWords:   1,
		storeCmd:       miStoreDwordImm | miMemVirtual | 1,
		storeAddrWords: 1,
		condCmd:        miCondBatchEnd | miDoCompare | 1,
		condAddrWords:  1,
	},
	Gen8: {
		bbsCmd:         miBatchBufferStart | 1<<8 | 1,
		bbsAddrWords:   2,
		storeCmd:       miStoreDwordImm | 2,
		storeAddrWords: 2,
		condCmd:        miCondBatchEnd | miDoCompare | 2,
		condAddrWords:  2,
	},
	Gen9: {
		bbsCmd:         miBatchBufferStart | 1<<8 | 1,
		bbsAddrWords:   2,
		storeCmd:       miStoreDwordImm | 2,
		storeAddrWords: 2,
		condCmd:        miCondBatchEnd | miDoCompare | 2,
		condAddrWords:  2,
	},
	Gen11: {
		bbsCmd:         miBatchBufferStart | 1<<8 | 1,
		bbsAddrWords:   2,
		storeCmd:       miStoreDwordImm | 2,
		storeAddrWords: 2,
		condCmd:        miCondBatchEnd | miDoCompare | 2,
		condAddrWords:  2,
	},
	Gen12: {
		bbsCmd:         miBatchBufferStart | 1<<8 | 1,
		bbsAddrWords:   2,
		storeCmd:       miStoreDwordImm | 2,
		storeAddrWords: 2,
		condCmd:        miCondBatchEnd | miDoCompare | 2,
		condAddrWords:  2,
	},
}

// SupportedGenerations lists the generations with an encoding table, in
// ascending order.
func SupportedGenerations() []Generation {
	return []Generation{Gen2, Gen3, Gen4, Gen5, Gen6, Gen7, Gen8, Gen9, Gen11, Gen12}
}

// Op classifies a decoded instruction.
type Op int

const (
	OpNoop Op = iota
	OpArbCheck
	OpBatchBufferEnd
	OpStoreImm
	OpCondEnd
	OpBatchBufferStart
)

// Inst describes a decoded instruction: its class, total length in dwords and
// the width of its address operand, if any.
type Inst struct {
	Op        Op
	Len       int
	AddrWords int
}

// Decode classifies a command dword under a generation's encoding. It
// recognizes exactly the words Encode emits; anything else is an undefined
// instruction and decoding fails.
func Decode(gen Generation, w uint32) (Inst, bool) {
	enc, ok := encodings[gen]
	if !ok {
		return Inst{}, false
	}
	switch w {
	case miNoop:
		return Inst{Op: OpNoop, Len: 1}, true
	case miArbCheck:
		return Inst{Op: OpArbCheck, Len: 1}, true
	case miBatchBufferEnd:
		return Inst{Op: OpBatchBufferEnd, Len: 1}, true
	case enc.bbsCmd:
		return Inst{Op: OpBatchBufferStart, Len: 1 + enc.bbsAddrWords, AddrWords: enc.bbsAddrWords}, true
	case enc.storeCmd:
		return Inst{Op: OpStoreImm, Len: 1 + enc.storeAddrWords + 1, AddrWords: enc.storeAddrWords}, true
	}
	if enc.condCmd != 0 && w == enc.condCmd {
		return Inst{Op: OpCondEnd, Len: 1 + 1 + enc.condAddrWords, AddrWords: enc.condAddrWords}, true
	}
	return Inst{}, false
}

// LowBitDelta reports whether the generation folds a flag into the low bit of
// branch targets, which address consumers must mask off.
func LowBitDelta(gen Generation) bool {
	enc, ok := encodings[gen]
	return ok && enc.bbsLowBitDelta
}
