package coapnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockToIntFromInt(t *testing.T) {
	tests := []struct {
		num  int
		more bool
		size int
	}{
		{0, true, 1024},
		{1, true, 1024},
		{2, false, 1024},
		{15, false, 16},
		{100, true, 512},
	}

	for _, tt := range tests {
		encoded := NewBlock(tt.more, tt.num, tt.size).ToInt()
		decoded := NewBlockFromInt(encoded)

		assert.Equal(t, tt.num, decoded.BlockNumber)
		assert.Equal(t, tt.more, decoded.MoreBlocks)
		assert.Equal(t, tt.size, decoded.BlockSize)
	}
}

func TestBlockPackedLayout(t *testing.T) {
	// NUM=2, M=0, SZX=6 packs to 0x26
	assert.Equal(t, 0x26, NewBlock(false, 2, 1024).ToInt())
	// NUM=0, M=1, SZX=6 packs to 0x0E
	assert.Equal(t, 0x0E, NewBlock(true, 0, 1024).ToInt())
}

func TestBlockSZXClamp(t *testing.T) {
	// SZX=7 is reserved; decoding clamps to 6 (1024 bytes)
	blk := NewBlockFromInt(0x0F)
	assert.Equal(t, 1024, blk.BlockSize)

	// oversized block sizes encode as SZX=6
	assert.Equal(t, MaxSZX, computeSZX(4096))
	assert.Equal(t, 0, computeSZX(16))
	assert.Equal(t, 6, computeSZX(1024))
}
