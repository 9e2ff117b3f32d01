package coapnode

import (
	"fmt"
	"io"

	humanize "github.com/dustin/go-humanize"
	log "github.com/ndmsystems/logger"
)

type blockAction int

const (
	blockAccepted blockAction = iota // written, ACK it
	blockComplete                    // written, ACK it, file closed
	blockDuplicate                   // already have it, re-ACK and discard
	blockGap                         // ahead of expected, drop without ACK
	blockFailed                      // storage error, drop
)

// blockReceiver consumes an inbound Block2 stream and writes each accepted
// block straight to storage at its block offset.
type blockReceiver struct {
	store     FileStore
	textName  string
	imageName string

	file     File
	open     bool
	expected int
	received int64
}

func newBlockReceiver(store FileStore, textName, imageName string) *blockReceiver {
	return &blockReceiver{
		store:     store,
		textName:  textName,
		imageName: imageName,
	}
}

// HandleBlock applies the one-outstanding-block discipline: the expected
// block is written and acknowledged, older blocks are re-acknowledged and
// discarded, blocks past the expected index are dropped so the sender
// retransmits them.
func (br *blockReceiver) HandleBlock(msg *CoAPMessage, blk *Block) blockAction {
	if blk.BlockNumber == 0 && !br.open {
		name := br.textName
		if opt := msg.GetOption(OptionContentFormat); opt != nil &&
			MediaType(opt.IntValue()) == MediaTypeImageJpeg {
			name = br.imageName
		}

		f, err := br.store.Create(name)
		if err != nil {
			log.Error(err)
			return blockFailed
		}
		br.file = f
		br.open = true
		br.expected = 0
		br.received = 0
		log.Info(fmt.Sprintf("receiving file into %s", name))
	}

	if !br.open {
		return blockGap
	}

	switch {
	case blk.BlockNumber < br.expected:
		log.Debug(fmt.Sprintf("duplicate block %d (expected %d)", blk.BlockNumber, br.expected))
		return blockDuplicate
	case blk.BlockNumber > br.expected:
		log.Debug(fmt.Sprintf("block gap: expected %d, got %d", br.expected, blk.BlockNumber))
		return blockGap
	}

	// block size mirrors the sender's SZX
	offset := int64(blk.BlockNumber) * int64(blk.BlockSize)
	if _, err := br.file.Seek(offset, io.SeekStart); err != nil {
		log.Error(err)
		br.close()
		return blockFailed
	}

	payload := msg.GetPayload()
	if _, err := br.file.Write(payload); err != nil {
		log.Error(err)
		br.close()
		return blockFailed
	}

	br.expected++
	br.received += int64(len(payload))
	MetricBlocksReceived.Inc()

	if !blk.MoreBlocks {
		log.Info(fmt.Sprintf("file transfer complete, %s received", humanize.Bytes(uint64(br.received))))
		br.close()
		return blockComplete
	}
	return blockAccepted
}

func (br *blockReceiver) close() {
	if br.open {
		br.file.Close()
		br.open = false
		br.expected = 0
	}
}
