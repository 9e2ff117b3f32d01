package coapnode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFileContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func TestBlockSenderThreeBlocks(t *testing.T) {
	store := newMemStore()
	content := testFileContent(2500)
	store.put("server.txt", content)

	bs := newBlockSender()
	peer := testAddr(5001)

	f, err := store.Open("server.txt")
	require.NoError(t, err)

	_, err = bs.Begin(peer, f, false)
	require.NoError(t, err)
	assert.True(t, bs.Active())
	assert.True(t, bs.ActiveFor(peer))

	// block 0
	payload, blk, err := bs.NextBlock(peer)
	require.NoError(t, err)
	require.NotNil(t, blk)
	assert.Equal(t, 0, blk.BlockNumber)
	assert.True(t, blk.MoreBlocks)
	assert.Len(t, payload, 1024)
	assert.Equal(t, content[:1024], payload)

	// one block outstanding: asking again yields nothing
	payload2, blk2, err := bs.NextBlock(peer)
	require.NoError(t, err)
	assert.Nil(t, blk2)
	assert.Nil(t, payload2)

	// ACK for a mismatched block number does not advance
	advance, done := bs.OnAck(peer, 5)
	assert.False(t, advance)
	assert.False(t, done)

	advance, done = bs.OnAck(peer, 0)
	assert.True(t, advance)
	assert.False(t, done)

	// block 1
	payload, blk, err = bs.NextBlock(peer)
	require.NoError(t, err)
	assert.Equal(t, 1, blk.BlockNumber)
	assert.True(t, blk.MoreBlocks)
	assert.Len(t, payload, 1024)

	advance, done = bs.OnAck(peer, 1)
	assert.True(t, advance)
	assert.False(t, done)

	// block 2, the tail
	payload, blk, err = bs.NextBlock(peer)
	require.NoError(t, err)
	assert.Equal(t, 2, blk.BlockNumber)
	assert.False(t, blk.MoreBlocks)
	assert.Len(t, payload, 452)
	assert.Equal(t, content[2048:], payload)

	advance, done = bs.OnAck(peer, 2)
	assert.False(t, advance)
	assert.True(t, done)
	assert.False(t, bs.Active())
}

func TestBlockSenderRejectsOverlap(t *testing.T) {
	store := newMemStore()
	store.put("server.txt", testFileContent(100))

	bs := newBlockSender()
	peer := testAddr(5002)

	f, err := store.Open("server.txt")
	require.NoError(t, err)
	_, err = bs.Begin(peer, f, false)
	require.NoError(t, err)

	f2, err := store.Open("server.txt")
	require.NoError(t, err)
	_, err = bs.Begin(peer, f2, false)
	assert.ErrorIs(t, err, ErrTransferActive)
	f2.Close()
}

func TestBlockSenderAbort(t *testing.T) {
	store := newMemStore()
	store.put("server.txt", testFileContent(5000))

	bs := newBlockSender()
	peer := testAddr(5003)

	f, _ := store.Open("server.txt")
	_, err := bs.Begin(peer, f, true)
	require.NoError(t, err)
	assert.True(t, bs.IsImage(peer))

	_, _, err = bs.NextBlock(peer)
	require.NoError(t, err)

	bs.Abort(peer)
	assert.False(t, bs.Active())

	// after the abort the ACK is stale
	advance, done := bs.OnAck(peer, 0)
	assert.False(t, advance)
	assert.False(t, done)
}

func buildBlockNotification(t *testing.T, token []byte, payload []byte, blk *Block, mediaType MediaType) *CoAPMessage {
	t.Helper()
	msg := NewCoAPMessage(CON, CoapCodeContent)
	msg.Token = token
	if mediaType >= 0 && blk.BlockNumber == 0 {
		msg.AddOption(OptionContentFormat, mediaType)
	}
	msg.AddOption(OptionBlock2, blk.ToInt())
	msg.Payload = NewBytesPayload(payload)
	return msg
}

func TestBlockReceiverOrderedStream(t *testing.T) {
	store := newMemStore()
	br := newBlockReceiver(store, "from_server.txt", "from_server.jpg")
	content := testFileContent(2500)
	token := []byte("T1")

	blocks := [][]byte{content[:1024], content[1024:2048], content[2048:]}
	for i, chunk := range blocks {
		more := i < len(blocks)-1
		blk := NewBlock(more, i, 1024)
		msg := buildBlockNotification(t, token, chunk, blk, -1)

		action := br.HandleBlock(msg, blk)
		if more {
			assert.Equal(t, blockAccepted, action)
		} else {
			assert.Equal(t, blockComplete, action)
		}
	}

	// on-disk bytes at offset k*blockSize match the accepted block payloads
	assert.True(t, bytes.Equal(content, store.get("from_server.txt")))
}

func TestBlockReceiverDuplicateAndGap(t *testing.T) {
	store := newMemStore()
	br := newBlockReceiver(store, "from_server.txt", "from_server.jpg")
	content := testFileContent(3000)
	token := []byte("T2")

	blk0 := NewBlock(true, 0, 1024)
	action := br.HandleBlock(buildBlockNotification(t, token, content[:1024], blk0, -1), blk0)
	assert.Equal(t, blockAccepted, action)

	// a gap is dropped without ACK
	blk2 := NewBlock(true, 2, 1024)
	action = br.HandleBlock(buildBlockNotification(t, token, content[2048:], blk2, -1), blk2)
	assert.Equal(t, blockGap, action)

	// a retransmitted old block is re-ACKed and discarded
	action = br.HandleBlock(buildBlockNotification(t, token, content[:1024], blk0, -1), blk0)
	assert.Equal(t, blockDuplicate, action)

	// the expected block is still accepted afterwards
	blk1 := NewBlock(true, 1, 1024)
	action = br.HandleBlock(buildBlockNotification(t, token, content[1024:2048], blk1, -1), blk1)
	assert.Equal(t, blockAccepted, action)
}

func TestBlockReceiverImageDestination(t *testing.T) {
	store := newMemStore()
	br := newBlockReceiver(store, "from_server.txt", "from_server.jpg")

	payload := testFileContent(300)
	blk := NewBlock(false, 0, 1024)
	msg := buildBlockNotification(t, []byte("T3"), payload, blk, MediaTypeImageJpeg)

	action := br.HandleBlock(msg, blk)
	assert.Equal(t, blockComplete, action)
	assert.Equal(t, payload, store.get("from_server.jpg"))
}
