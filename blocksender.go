package coapnode

import (
	"fmt"
	"io"
	"net"

	humanize "github.com/dustin/go-humanize"
	log "github.com/ndmsystems/logger"
)

// blockSendStream drives one file out to one subscriber in Block2 blocks.
// At most one block is outstanding per stream.
type blockSendStream struct {
	peer          net.Addr
	file          File
	size          int64
	blockNum      int
	waitingForAck bool
	isImage       bool
	sent          int64
}

func (s *blockSendStream) totalBlocks() int {
	return int((s.size + MaxPayloadSize - 1) / MaxPayloadSize)
}

// blockSender owns every in-progress outbound transfer, keyed by peer.
type blockSender struct {
	streams map[string]*blockSendStream
}

func newBlockSender() *blockSender {
	return &blockSender{streams: make(map[string]*blockSendStream)}
}

func (bs *blockSender) Active() bool {
	return len(bs.streams) > 0
}

func (bs *blockSender) ActiveFor(peer net.Addr) bool {
	_, ok := bs.streams[peer.String()]
	return ok
}

// Begin opens a stream to peer. The file handle is held exclusively until the
// transfer completes or aborts.
func (bs *blockSender) Begin(peer net.Addr, file File, isImage bool) (*blockSendStream, error) {
	if bs.ActiveFor(peer) {
		return nil, ErrTransferActive
	}

	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	s := &blockSendStream{
		peer:    peer,
		file:    file,
		size:    size,
		isImage: isImage,
	}
	bs.streams[peer.String()] = s
	return s, nil
}

// NextBlock reads the stream's current block and marks it outstanding.
// The returned Block carries NUM, SZX=6 and the more flag computed from the
// file size.
func (bs *blockSender) NextBlock(peer net.Addr) ([]byte, *Block, error) {
	s, ok := bs.streams[peer.String()]
	if !ok {
		return nil, nil, nil
	}
	if s.waitingForAck {
		log.Debug(fmt.Sprintf("still waiting for ACK for block %d to %s", s.blockNum, s.peer))
		return nil, nil, nil
	}

	if _, err := s.file.Seek(int64(s.blockNum)*MaxPayloadSize, io.SeekStart); err != nil {
		bs.Abort(peer)
		return nil, nil, err
	}

	buf := make([]byte, MaxPayloadSize)
	n, err := io.ReadFull(s.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		bs.Abort(peer)
		return nil, nil, err
	}

	s.waitingForAck = true
	more := int64(s.blockNum+1)*MaxPayloadSize < s.size

	MetricBlocksSent.Inc()
	return buf[:n], NewBlock(more, s.blockNum, MaxPayloadSize), nil
}

// OnAck acknowledges the outstanding block of the peer's stream. It reports
// whether another block should be emitted; done means the transfer finished
// and the stream was closed.
func (bs *blockSender) OnAck(peer net.Addr, blockNum int) (advance, done bool) {
	s, ok := bs.streams[peer.String()]
	if !ok || !s.waitingForAck || blockNum != s.blockNum {
		return false, false
	}

	s.waitingForAck = false
	s.sent += minInt64(s.size-int64(s.blockNum)*MaxPayloadSize, MaxPayloadSize)

	if s.blockNum >= s.totalBlocks()-1 {
		log.Info(fmt.Sprintf("file transfer to %s complete, %s sent",
			s.peer, humanize.Bytes(uint64(s.sent))))
		s.file.Close()
		delete(bs.streams, peer.String())
		return false, true
	}

	s.blockNum++
	return true, false
}

// Abort closes the stream to peer and releases the file handle.
func (bs *blockSender) Abort(peer net.Addr) {
	s, ok := bs.streams[peer.String()]
	if !ok {
		return
	}
	s.file.Close()
	delete(bs.streams, peer.String())
	log.Info(fmt.Sprintf("aborted file transfer to %s", s.peer))
}

func (bs *blockSender) IsImage(peer net.Addr) bool {
	s, ok := bs.streams[peer.String()]
	return ok && s.isImage
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
