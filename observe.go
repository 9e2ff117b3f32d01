package coapnode

import (
	"bytes"
	"fmt"
	"net"
	"time"

	log "github.com/ndmsystems/logger"
)

// observeSeqMask keeps the notification sequence inside the 24-bit space the
// Observe option can carry, RFC 7641 section 4.4.
const observeSeqMask = 0xFFFFFF

type subscriber struct {
	active          bool
	addr            net.Addr
	token           []byte
	observeSeq      uint32
	lastAck         time.Time
	timeoutSessions int
}

// NextSeq hands out the current notification sequence number and advances it,
// wrapping inside 24 bits.
func (s *subscriber) NextSeq() uint32 {
	seq := s.observeSeq
	s.observeSeq = (s.observeSeq + 1) & observeSeqMask
	return seq
}

// subscriberTable is the fixed-capacity Observe registry. One slot per
// registered (peer, token) pair; all access is from the owning endpoint loop.
type subscriberTable struct {
	subs      [MaxSubscribers]subscriber
	timeout   time.Duration
	threshold int
}

func newSubscriberTable(timeout time.Duration, threshold int) *subscriberTable {
	if timeout <= 0 {
		timeout = SubscriberTimeout
	}
	if threshold <= 0 {
		threshold = TimeoutThreshold
	}
	return &subscriberTable{
		timeout:   timeout,
		threshold: threshold,
	}
}

// Register adds a subscriber, reusing the slot when the same (peer, token)
// pair registers again. Returns ErrSubscribersFull when no slot is free.
func (t *subscriberTable) Register(addr net.Addr, token []byte, now time.Time) (*subscriber, error) {
	if existing := t.find(addr, token); existing != nil {
		existing.lastAck = now
		existing.timeoutSessions = 0
		return existing, nil
	}

	for i := range t.subs {
		if t.subs[i].active {
			continue
		}

		tok := make([]byte, len(token))
		copy(tok, token)

		t.subs[i] = subscriber{
			active:  true,
			addr:    addr,
			token:   tok,
			lastAck: now,
		}
		log.Info(fmt.Sprintf("added subscriber %s at slot %d", addr, i))
		return &t.subs[i], nil
	}

	log.Error(fmt.Sprintf("no free subscriber slots for %s", addr))
	return nil, ErrSubscribersFull
}

func (t *subscriberTable) find(addr net.Addr, token []byte) *subscriber {
	for i := range t.subs {
		if t.subs[i].active &&
			addrEqual(t.subs[i].addr, addr) &&
			bytes.Equal(t.subs[i].token, token) {
			return &t.subs[i]
		}
	}
	return nil
}

// FindByAddr matches on peer endpoint only, the way ACKs are routed back.
func (t *subscriberTable) FindByAddr(addr net.Addr) *subscriber {
	for i := range t.subs {
		if t.subs[i].active && addrEqual(t.subs[i].addr, addr) {
			return &t.subs[i]
		}
	}
	return nil
}

// OnAck resets the liveness state of the subscriber matching the peer.
func (t *subscriberTable) OnAck(addr net.Addr, now time.Time) {
	if s := t.FindByAddr(addr); s != nil {
		s.lastAck = now
		s.timeoutSessions = 0
	}
}

// Strike charges one timeout session to the subscriber matching the peer,
// called from the retransmission failure path.
func (t *subscriberTable) Strike(addr net.Addr) {
	if s := t.FindByAddr(addr); s != nil {
		s.timeoutSessions++
		log.Info(fmt.Sprintf("subscriber %s timeout session count: %d", addr, s.timeoutSessions))
	}
}

// Unregister drops the subscriber matching (peer, token), if any.
func (t *subscriberTable) Unregister(addr net.Addr, token []byte) {
	if s := t.find(addr, token); s != nil {
		s.active = false
	}
}

// Prune removes subscribers that accumulated threshold strikes, and converts
// each full silence window into one strike. Returns the pruned peers.
func (t *subscriberTable) Prune(now time.Time) []net.Addr {
	var removed []net.Addr
	for i := range t.subs {
		s := &t.subs[i]
		if !s.active {
			continue
		}

		if s.timeoutSessions >= t.threshold {
			log.Info(fmt.Sprintf("removing subscriber %s after %d timeout sessions", s.addr, s.timeoutSessions))
			s.active = false
			removed = append(removed, s.addr)
			continue
		}

		if now.Sub(s.lastAck) > t.timeout {
			s.timeoutSessions++
			s.lastAck = now
		}
	}
	return removed
}

// ForEach visits every active subscriber.
func (t *subscriberTable) ForEach(fn func(*subscriber)) {
	for i := range t.subs {
		if t.subs[i].active {
			fn(&t.subs[i])
		}
	}
}

func (t *subscriberTable) Count() int {
	n := 0
	for i := range t.subs {
		if t.subs[i].active {
			n++
		}
	}
	return n
}
