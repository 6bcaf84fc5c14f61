package stack

// noBlock is the handle of a missing chain neighbour.
const noBlock = -1

// block is a fixed-capacity byte buffer in the stack's chain.
// Neighbours are referenced by their slot index in Stack.blocks.
type block struct {
	buf    []byte // Backing storage; len(buf) is the block capacity.
	cursor int    // Number of occupied bytes counted from the start of buf.
	older  int    // Slot of the block further from the top, or noBlock.
	newer  int    // Slot of the block closer to the top, or noBlock.
}

func newBlock(buf []byte) block {
	return block{buf: buf, older: noBlock, newer: noBlock}
}

// room returns the number of free bytes left in the block.
func (b *block) room() int {
	return len(b.buf) - b.cursor
}

// live returns the occupied region of the block.
func (b *block) live() []byte {
	return b.buf[:b.cursor]
}
