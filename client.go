package coapnode

import (
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/ndmsystems/logger"
	cache "github.com/patrickmn/go-cache"
)

// Response is what a completed request hands back to the caller.
type Response struct {
	Body   []byte
	Code   CoapCode
	Block2 *Block
}

// Client is the client role of the endpoint: it issues confirmable requests,
// keeps an Observe subscription alive and consumes pushed notifications and
// Block2 streams. Like the server, all protocol state is owned by a single
// loop goroutine.
type Client struct {
	cfg   Config
	conn  dialer
	peer  net.Addr
	token []byte
	store FileStore

	reliability *reliabilityEngine
	dedup       duplicateDetector
	receiver    *blockReceiver
	device      *DeviceState

	// waiters maps a request token (or ping key) to its response channel
	waiters *cache.Cache

	// OnByte and OnText receive non-block notifications. Both are optional;
	// after Dial they must be installed via SetNotificationHandlers.
	OnByte func(b byte)
	OnText func(text string)

	packets  chan rawData
	commands chan func()
	done     chan struct{}
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	c := &Client{
		cfg:         cfg,
		token:       GenerateToken(6),
		store:       NewDiskStore(),
		reliability: newReliabilityEngine(cfg.AckTimeout, cfg.MaxRetransmits),
		device:      NewDeviceState(),
		waiters:     cache.New(2*time.Minute, 30*time.Second),
		packets:     make(chan rawData, 64),
		commands:    make(chan func(), 16),
		done:        make(chan struct{}),
	}
	c.receiver = newBlockReceiver(c.store, "from_server.txt", "from_server.jpg")
	c.reliability.SetFailureHandler(retransmitFailureFunc(c.onRetransmitFailure))

	return c
}

// SetStore replaces the storage backend. Must be called before Dial.
func (c *Client) SetStore(store FileStore) {
	c.store = store
	c.receiver = newBlockReceiver(store, "from_server.txt", "from_server.jpg")
}

// Dial connects to the server endpoint and starts the client loop.
func (c *Client) Dial(addr string) error {
	conn, err := newDialer(addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.peer = conn.RemoteAddr()

	go c.readLoop()
	go c.run()
	return nil
}

func (c *Client) Close() {
	close(c.done)
	if c.conn != nil {
		c.conn.Close()
	}
}

// requestTimeout covers the whole retransmit ladder of one confirmable
// exchange.
func (c *Client) requestTimeout() time.Duration {
	return c.cfg.AckTimeout*time.Duration((1<<uint(c.cfg.MaxRetransmits+1))-1) + 100*time.Millisecond
}

func (c *Client) readLoop() {
	readBuf := make([]byte, MTU)
	for {
		n, sender, err := c.conn.Listen(readBuf)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Error(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if sender == nil {
			sender = c.peer
		}

		buff := make([]byte, n)
		copy(buff, readBuf[:n])

		select {
		case c.packets <- rawData{buff: buff, sender: sender}:
		case <-c.done:
			return
		}
	}
}

func (c *Client) run() {
	retransmit := time.NewTicker(retransmitCheckInterval)
	defer retransmit.Stop()

	for {
		select {
		case raw := <-c.packets:
			c.handleDatagram(raw)
		case now := <-retransmit.C:
			c.reliability.Tick(now, c.sendRaw)
		case fn := <-c.commands:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Client) enqueue(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.done:
	}
}

func (c *Client) handleDatagram(raw rawData) {
	message, err := Deserialize(raw.buff)
	if err != nil {
		log.Debug(fmt.Sprintf("dropping malformed datagram: %v", err))
		return
	}
	MetricReceivedMessages.Inc()
	message.Sender = raw.sender

	switch message.Type {
	case ACK:
		c.handleAck(message)
	case RST:
		c.handleReset(message)
	case CON:
		c.handleNotification(message)
	}
}

func (c *Client) handleAck(message *CoAPMessage) {
	c.reliability.Clear(message.MessageID)

	if message.Code == CoapCodeEmpty {
		return
	}

	if v, ok := c.waiters.Get(message.GetTokenString()); ok {
		c.waiters.Delete(message.GetTokenString())

		resp := &Response{
			Body:   message.GetPayload(),
			Code:   message.Code,
			Block2: message.GetBlock2(),
		}

		// mirror actuator state advertised by the server
		if resp.Code == CoapCodeContent {
			c.device.ApplyActuatorDirectives(string(resp.Body))
		}

		v.(chan *Response) <- resp
	}
}

func (c *Client) handleReset(message *CoAPMessage) {
	c.reliability.Clear(message.MessageID)

	if v, ok := c.waiters.Get(pingKey(message.MessageID)); ok {
		c.waiters.Delete(pingKey(message.MessageID))
		v.(chan *Response) <- &Response{Code: CoapCodeEmpty}
	}
}

// handleNotification consumes a pushed CON: an Observe notification, a block
// of a file transfer, or both.
func (c *Client) handleNotification(message *CoAPMessage) {
	blk := message.GetBlock2()

	if c.dedup.IsDuplicate(message.MessageID) {
		MetricDuplicateMessages.Inc()
		// re-ACK without reprocessing
		if blk != nil {
			c.sendMessage(blockAckTo(message, blk))
		} else {
			c.sendMessage(newEmptyACK(message))
		}
		return
	}
	c.dedup.Record(message.MessageID)

	if seq, ok := message.GetObserve(); ok {
		log.Debug(fmt.Sprintf("observe notification seq=%d", seq))
	}

	if blk != nil {
		switch c.receiver.HandleBlock(message, blk) {
		case blockAccepted, blockComplete, blockDuplicate:
			c.sendMessage(blockAckTo(message, blk))
		case blockGap, blockFailed:
			// no ACK: the sender retransmits
		}
		return
	}

	payload := message.GetPayload()
	c.sendMessage(newEmptyACK(message))

	switch {
	case len(payload) == 1 && c.OnByte != nil:
		c.OnByte(payload[0])
	case len(payload) > 1 && c.OnText != nil:
		c.OnText(string(payload))
	}
}

// blockAckTo acknowledges one received block, echoing its Block2 option.
func blockAckTo(message *CoAPMessage, blk *Block) *CoAPMessage {
	ack := ackTo(message, CoapCodeChanged)
	ack.AddOption(OptionBlock2, blk.ToInt())
	return ack
}

func (c *Client) sendMessage(message *CoAPMessage) {
	data, err := Serialize(message)
	if err != nil {
		log.Error(err)
		return
	}
	c.sendRaw(data, c.peer)
}

func (c *Client) sendRaw(data []byte, addr net.Addr) error {
	_, err := c.conn.WriteTo(data, addr)
	if err != nil {
		MetricSentMessageErrors.Inc()
		log.Error(err)
		return err
	}
	MetricSentMessages.Inc()
	return nil
}

func (c *Client) onRetransmitFailure(messageID uint16, peer net.Addr) {
	log.Info(fmt.Sprintf("max retransmits reached for message %#04x", messageID))
}

// request sends one confirmable message and waits for its piggy-backed
// response, bounded by the retransmit ladder.
func (c *Client) request(message *CoAPMessage, waiterKey string) (*Response, error) {
	ch := make(chan *Response, 1)
	c.waiters.SetDefault(waiterKey, ch)

	c.enqueue(func() {
		data, err := Serialize(message)
		if err != nil {
			log.Error(err)
			return
		}
		if !c.reliability.Register(message.MessageID, c.peer, data, time.Now()) {
			log.Error(ErrPendingQueueFull)
			return
		}
		c.sendRaw(data, c.peer)
	})

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(c.requestTimeout()):
		c.waiters.Delete(waiterKey)
		return nil, ErrMaxAttempts
	case <-c.done:
		return nil, ErrNilConn
	}
}

func (c *Client) newRequest(code CoapCode, path string) *CoAPMessage {
	message := NewCoAPMessage(CON, code)
	message.Token = c.token
	message.Recipient = c.peer
	message.SetURIPath(path)
	return message
}

func pingKey(messageID uint16) string {
	return fmt.Sprintf("ping|%d", messageID)
}

// Ping probes the server with CON Empty, expecting RST Empty back.
func (c *Client) Ping() (bool, error) {
	message := NewCoAPMessageId(CON, CoapCodeEmpty, generateMessageID())

	resp, err := c.request(message, pingKey(message.MessageID))
	if err != nil {
		return false, err
	}
	return resp.Code == CoapCodeEmpty, nil
}

// Subscribe registers an Observe subscription on /buttons.
func (c *Client) Subscribe() (*Response, error) {
	message := c.newRequest(GET, "/buttons")
	message.AddOption(OptionObserve, 0)
	return c.request(message, c.tokenKey())
}

// SetNotificationHandlers installs the notification callbacks on the loop,
// safe to call after Dial.
func (c *Client) SetNotificationHandlers(onByte func(byte), onText func(string)) {
	c.enqueue(func() {
		c.OnByte = onByte
		c.OnText = onText
	})
}

// Unsubscribe cancels the Observe subscription, RFC 7641 deregistration.
func (c *Client) Unsubscribe() (*Response, error) {
	message := c.newRequest(GET, "/buttons")
	message.AddOption(OptionObserve, 1)
	return c.request(message, c.tokenKey())
}

func (c *Client) GetButtons() (*Response, error) {
	return c.request(c.newRequest(GET, "/buttons"), c.tokenKey())
}

func (c *Client) GetActuators() (*Response, error) {
	return c.request(c.newRequest(GET, "/actuators"), c.tokenKey())
}

// PutActuators sends an ASCII directive list such as "LED=ON,BUZZER=ON".
func (c *Client) PutActuators(directives string) (*Response, error) {
	message := c.newRequest(PUT, "/actuators")
	message.SetStringPayload(directives)
	return c.request(message, c.tokenKey())
}

// AppendLine appends one line to the server's text file via iPATCH.
func (c *Client) AppendLine(line string) (*Response, error) {
	message := c.newRequest(IPATCH, "/file")
	message.SetStringPayload(line)
	return c.request(message, c.tokenKey())
}

// FetchLines retrieves a line range; spec is "start,end" or "N".
func (c *Client) FetchLines(spec string) (*Response, error) {
	message := c.newRequest(FETCH, "/file")
	message.SetMediaType(MediaTypeTextPlain)
	message.AddOption(OptionAccept, MediaTypeTextPlain)
	message.SetStringPayload(spec)
	return c.request(message, c.tokenKey())
}

// DownloadFile drives a request-side Block2 download of /file into dest,
// one outstanding block at a time.
func (c *Client) DownloadFile(image bool, dest string) error {
	f, err := c.store.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	for blockNum := 0; ; blockNum++ {
		message := c.newRequest(GET, "/file")
		if image {
			message.SetURIQuery("type", "image")
		}
		message.AddOption(OptionBlock2, NewBlock(false, blockNum, MaxPayloadSize).ToInt())

		resp, err := c.request(message, c.tokenKey())
		if err != nil {
			return err
		}
		if resp.Code != CoapCodeContent {
			return fmt.Errorf("download failed: %s", resp.Code)
		}

		if _, err := f.Seek(int64(blockNum)*MaxPayloadSize, io.SeekStart); err != nil {
			return err
		}
		if _, err := f.Write(resp.Body); err != nil {
			return err
		}

		if resp.Block2 == nil || !resp.Block2.MoreBlocks {
			return nil
		}
	}
}

// Actuators reports the last actuator state advertised by the server.
func (c *Client) Actuators() (led, buzzer bool) {
	return c.device.Led(), c.device.Buzzer()
}

func (c *Client) tokenKey() string {
	return string(c.token)
}
