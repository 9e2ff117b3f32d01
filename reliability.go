package coapnode

import (
	"fmt"
	"net"
	"time"

	log "github.com/ndmsystems/logger"
)

// retransmitFailureHandler is invoked once per confirmable message that ran
// out of retransmissions without an ACK. Cleanup (aborting file transfers,
// charging subscriber strikes) happens here.
type retransmitFailureHandler interface {
	OnRetransmitFailure(messageID uint16, peer net.Addr)
}

type retransmitFailureFunc func(messageID uint16, peer net.Addr)

func (f retransmitFailureFunc) OnRetransmitFailure(messageID uint16, peer net.Addr) {
	f(messageID, peer)
}

type pendingMessage struct {
	active          bool
	messageID       uint16
	dest            net.Addr
	retransmitCount int
	nextRetry       time.Time
	packet          []byte
}

// reliabilityEngine keeps the table of outstanding confirmable messages and
// drives their exponential-backoff retransmission. All methods are called
// from the owning endpoint loop only.
type reliabilityEngine struct {
	pending        [MaxPendingMessages]pendingMessage
	ackTimeout     time.Duration
	maxRetransmits int
	onFailure      retransmitFailureHandler
}

func newReliabilityEngine(ackTimeout time.Duration, maxRetransmits int) *reliabilityEngine {
	if ackTimeout <= 0 {
		ackTimeout = AckTimeout
	}
	if maxRetransmits <= 0 {
		maxRetransmits = MaxRetransmits
	}
	return &reliabilityEngine{
		ackTimeout:     ackTimeout,
		maxRetransmits: maxRetransmits,
	}
}

func (re *reliabilityEngine) SetFailureHandler(h retransmitFailureHandler) {
	re.onFailure = h
}

// Register copies the wire bytes of a sent CON into a free slot and schedules
// the first retry. It reports false when the table is full; the caller must
// treat that as a failed send.
func (re *reliabilityEngine) Register(messageID uint16, dest net.Addr, packet []byte, now time.Time) bool {
	if len(packet) > MaxPendingPacketSize {
		log.Error(fmt.Sprintf("message %#04x too large for a pending slot (%d bytes)", messageID, len(packet)))
		return false
	}

	slot := -1
	for i := range re.pending {
		if !re.pending[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		log.Error(fmt.Sprintf("no free pending slots for message %#04x", messageID))
		return false
	}

	buf := make([]byte, len(packet))
	copy(buf, packet)

	re.pending[slot] = pendingMessage{
		active:    true,
		messageID: messageID,
		dest:      dest,
		nextRetry: now.Add(re.ackTimeout),
		packet:    buf,
	}
	return true
}

// Clear deactivates the slot matching messageID. No-op when absent.
func (re *reliabilityEngine) Clear(messageID uint16) {
	for i := range re.pending {
		if re.pending[i].active && re.pending[i].messageID == messageID {
			re.pending[i].active = false
			re.pending[i].packet = nil
			return
		}
	}
}

// Tick re-emits every due slot, doubling the backoff each attempt. Slots that
// exhausted maxRetransmits are deactivated and reported through the failure
// handler exactly once.
func (re *reliabilityEngine) Tick(now time.Time, send func(data []byte, addr net.Addr) error) {
	for i := range re.pending {
		p := &re.pending[i]
		if !p.active || now.Before(p.nextRetry) {
			continue
		}

		if p.retransmitCount >= re.maxRetransmits {
			log.Info(fmt.Sprintf("max retransmits (%d) reached for message %#04x", re.maxRetransmits, p.messageID))
			MetricExpiredMessages.Inc()
			p.active = false
			p.packet = nil
			if re.onFailure != nil {
				re.onFailure.OnRetransmitFailure(p.messageID, p.dest)
			}
			continue
		}

		if err := send(p.packet, p.dest); err != nil {
			MetricSentMessageErrors.Inc()
			log.Error(err)
		}
		MetricRetransmitMessages.Inc()

		p.retransmitCount++
		backoff := re.ackTimeout * (1 << uint(p.retransmitCount))
		p.nextRetry = now.Add(backoff)
	}
}

func (re *reliabilityEngine) ActiveCount() int {
	n := 0
	for i := range re.pending {
		if re.pending[i].active {
			n++
		}
	}
	return n
}
