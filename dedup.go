package coapnode

import (
	"fmt"
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// duplicateDetector remembers the last RecentMsgHistory inbound message IDs.
// Each direction (server inbound, client inbound) keeps its own window so
// request IDs and notification IDs do not collide.
type duplicateDetector struct {
	recentMsgIDs [RecentMsgHistory]uint16
	recorded     [RecentMsgHistory]bool
	idx          int
}

func (d *duplicateDetector) Record(messageID uint16) {
	d.recentMsgIDs[d.idx] = messageID
	d.recorded[d.idx] = true
	d.idx = (d.idx + 1) % RecentMsgHistory
}

func (d *duplicateDetector) IsDuplicate(messageID uint16) bool {
	for i := 0; i < RecentMsgHistory; i++ {
		if d.recorded[i] && d.recentMsgIDs[i] == messageID {
			return true
		}
	}
	return false
}

// responseCache keeps the serialized reply for each handled (peer, message ID)
// exchange. A duplicate CON is answered by replaying the cached bytes instead
// of re-running the handler, as RFC 7252 section 4.2 requires.
type responseCache struct {
	c *cache.Cache
}

func newResponseCache() *responseCache {
	return &responseCache{
		c: cache.New(responseCacheExpiration, 30*time.Second),
	}
}

func exchangeKey(peer net.Addr, messageID uint16) string {
	return fmt.Sprintf("%s|%d", peer.String(), messageID)
}

func (rc *responseCache) Store(peer net.Addr, messageID uint16, wire []byte) {
	buf := make([]byte, len(wire))
	copy(buf, wire)
	rc.c.SetDefault(exchangeKey(peer, messageID), buf)
}

func (rc *responseCache) Load(peer net.Addr, messageID uint16) ([]byte, bool) {
	v, ok := rc.c.Get(exchangeKey(peer, messageID))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}
