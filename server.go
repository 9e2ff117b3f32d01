package coapnode

import (
	"fmt"
	"net"
	"time"

	log "github.com/ndmsystems/logger"
)

// scratchSize bounds one serialized response: a full block plus options.
const scratchSize = 1536

const retransmitCheckInterval = 500 * time.Millisecond

type rawData struct {
	buff   []byte
	sender net.Addr
}

// Server is the server role of the endpoint: it exposes the buttons,
// actuators and file resources and pushes Observe notifications. All protocol
// state lives on a single owning goroutine; external triggers are injected
// through the command channel.
type Server struct {
	cfg   Config
	conn  dialer
	store FileStore

	resources   []*CoAPResource
	reliability *reliabilityEngine
	dedup       duplicateDetector
	responses   *responseCache
	subscribers *subscriberTable
	sender      *blockSender
	device      *DeviceState

	packets  chan rawData
	commands chan func()
	done     chan struct{}
}

func NewServer(cfg Config) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:         cfg,
		store:       NewDiskStore(),
		reliability: newReliabilityEngine(cfg.AckTimeout, cfg.MaxRetransmits),
		responses:   newResponseCache(),
		subscribers: newSubscriberTable(cfg.SubscriberTimeout, cfg.TimeoutThreshold),
		sender:      newBlockSender(),
		device:      NewDeviceState(),
		packets:     make(chan rawData, 64),
		commands:    make(chan func(), 16),
		done:        make(chan struct{}),
	}
	s.reliability.SetFailureHandler(s)
	s.initResources()

	return s
}

// SetStore replaces the storage backend. Must be called before Listen.
func (s *Server) SetStore(store FileStore) {
	s.store = store
}

func (s *Server) Device() *DeviceState {
	return s.device
}

func (s *Server) addResource(res *CoAPResource) {
	s.resources = append(s.resources, res)
}

func (s *Server) AddGETResource(path string, handler CoAPResourceHandler) {
	s.addResource(NewCoAPResource(GET, path, handler))
}

func (s *Server) AddPUTResource(path string, handler CoAPResourceHandler) {
	s.addResource(NewCoAPResource(PUT, path, handler))
}

func (s *Server) AddPOSTResource(path string, handler CoAPResourceHandler) {
	s.addResource(NewCoAPResource(POST, path, handler))
}

func (s *Server) AddFETCHResource(path string, handler CoAPResourceHandler) {
	s.addResource(NewCoAPResource(FETCH, path, handler))
}

func (s *Server) AddIPATCHResource(path string, handler CoAPResourceHandler) {
	s.addResource(NewCoAPResource(IPATCH, path, handler))
}

func (s *Server) initResources() {
	buttons := NewCoAPResource(GET, "/buttons", s.handleGetButtons)
	buttons.Observable = true
	s.addResource(buttons)

	s.AddGETResource("/actuators", s.handleGetActuators)
	s.AddPUTResource("/actuators", s.handlePutActuators)

	s.AddGETResource("/file", s.handleGetFile)
	s.AddIPATCHResource("/file", s.handleIpatchFile)
	s.AddFETCHResource("/file", s.handleFetchFile)
}

// Listen binds the UDP socket and runs the event loop until Stop.
func (s *Server) Listen(addr string) error {
	conn, err := newListener(addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return s.serve()
}

// Stop terminates the event loop and closes the socket.
func (s *Server) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Server) serve() error {
	log.Info(fmt.Sprintf("CoAP server listening on %s", s.conn.LocalAddr()))

	go s.readLoop()

	retransmit := time.NewTicker(retransmitCheckInterval)
	defer retransmit.Stop()
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case raw := <-s.packets:
			s.handleDatagram(raw)
		case now := <-retransmit.C:
			s.reliability.Tick(now, s.sendRaw)
		case now := <-prune.C:
			for _, peer := range s.subscribers.Prune(now) {
				s.sender.Abort(peer)
			}
		case fn := <-s.commands:
			fn()
		case <-s.done:
			return nil
		}
	}
}

func (s *Server) readLoop() {
	readBuf := make([]byte, MTU)
	for {
		n, sender, err := s.conn.Listen(readBuf)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Error(err)
			}
			return
		}
		if n == 0 {
			continue
		}

		buff := make([]byte, n)
		copy(buff, readBuf[:n])

		select {
		case s.packets <- rawData{buff: buff, sender: sender}:
		case <-s.done:
			return
		}
	}
}

// enqueue injects fn into the owning loop.
func (s *Server) enqueue(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

func (s *Server) handleDatagram(raw rawData) {
	message, err := Deserialize(raw.buff)
	if err != nil {
		// malformed messages are dropped without a reply
		log.Debug(fmt.Sprintf("dropping malformed datagram from %s: %v", raw.sender, err))
		return
	}
	MetricReceivedMessages.Inc()
	message.Sender = raw.sender

	switch message.Type {
	case ACK:
		s.handleAck(message)
	case RST:
		s.handleReset(message)
	case CON, NON:
		s.handleRequest(message)
	}
}

func (s *Server) handleAck(message *CoAPMessage) {
	s.reliability.Clear(message.MessageID)
	s.subscribers.OnAck(message.Sender, time.Now())

	if blk := message.GetBlock2(); blk != nil {
		advance, done := s.sender.OnAck(message.Sender, blk.BlockNumber)
		if advance {
			s.emitBlock(message.Sender)
		}
		if done {
			s.subscribers.OnAck(message.Sender, time.Now())
		}
	}
}

// handleReset cancels the peer's observation and any transfer routed to it,
// RFC 7641 section 3.6.
func (s *Server) handleReset(message *CoAPMessage) {
	s.reliability.Clear(message.MessageID)
	s.sender.Abort(message.Sender)

	if sub := s.subscribers.FindByAddr(message.Sender); sub != nil {
		s.subscribers.Unregister(sub.addr, sub.token)
		log.Info(fmt.Sprintf("subscriber %s sent RST, observation cancelled", message.Sender))
	}
}

func (s *Server) handleRequest(message *CoAPMessage) {
	if isPing(message) {
		s.sendMessage(pongTo(message), message.Sender)
		return
	}
	if !message.Code.IsRequest() {
		return
	}

	if s.dedup.IsDuplicate(message.MessageID) {
		MetricDuplicateMessages.Inc()
		if message.Type == CON {
			// replay the cached response instead of re-running the handler
			if cached, ok := s.responses.Load(message.Sender, message.MessageID); ok {
				s.sendRaw(cached, message.Sender)
			} else {
				s.sendMessage(newEmptyACK(message), message.Sender)
			}
		}
		return
	}
	s.dedup.Record(message.MessageID)

	segments := message.GetURIPathSegments()

	var resource *CoAPResource
	pathExists := false
	for _, res := range s.resources {
		if res.DoesMatchPath(segments) {
			pathExists = true
			if res.Method == message.Code {
				resource = res
				break
			}
		}
	}

	if resource == nil {
		if message.Type != CON {
			return
		}
		if pathExists {
			s.respond(message, methodNotAllowed(message))
		} else {
			s.respond(message, noResource(message))
		}
		return
	}

	result := resource.Handler(message)
	if result == nil || message.Type != CON {
		return
	}
	s.respond(message, resultMessage(message, result))
}

// respond serializes and sends a piggy-backed response, caching the wire
// bytes for duplicate replay. A response that cannot fit the scratch buffer
// is replaced by a 4.00 with an explanatory body.
func (s *Server) respond(request, response *CoAPMessage) {
	scratch := make([]byte, scratchSize)
	n, err := SerializeTo(response, scratch)
	if err == ErrBufferTooSmall {
		response = ackTo(request, CoapCodeBadRequest)
		response.SetStringPayload("Response does not fit")
		n, err = SerializeTo(response, scratch)
	}
	if err != nil {
		log.Error(err)
		return
	}

	wire := scratch[:n]
	s.responses.Store(request.Sender, request.MessageID, wire)
	s.sendRaw(wire, request.Sender)
}

func (s *Server) sendMessage(message *CoAPMessage, addr net.Addr) {
	data, err := Serialize(message)
	if err != nil {
		log.Error(err)
		return
	}
	s.sendRaw(data, addr)
}

func (s *Server) sendRaw(data []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(data, addr)
	if err != nil {
		MetricSentMessageErrors.Inc()
		log.Error(err)
		return err
	}
	MetricSentMessages.Inc()
	return nil
}

// OnRetransmitFailure aborts any transfer routed to the lost peer and
// charges a timeout session to its subscription.
func (s *Server) OnRetransmitFailure(messageID uint16, peer net.Addr) {
	if s.sender.ActiveFor(peer) {
		log.Info(fmt.Sprintf("stopping file transfer to %s after retransmission failure", peer))
		s.sender.Abort(peer)
	}
	s.subscribers.Strike(peer)
}

// NotifyByte broadcasts a single-byte notification on an observable resource.
func (s *Server) NotifyByte(resource string, b byte) {
	s.notify(resource, []byte{b})
}

// NotifyText broadcasts an ASCII notification on an observable resource.
func (s *Server) NotifyText(resource string, text string) {
	s.notify(resource, []byte(text))
}

func (s *Server) notify(resource string, payload []byte) {
	s.enqueue(func() {
		if !s.isObservable(resource) {
			log.Error(fmt.Sprintf("resource %s is not observable", resource))
			return
		}
		s.subscribers.ForEach(func(sub *subscriber) {
			s.pushToSubscriber(sub, s.buildNotification(sub, payload, nil, false))
		})
	})
}

func (s *Server) isObservable(path string) bool {
	segments := NewCoAPResource(GET, path, nil).PathSegments
	for _, res := range s.resources {
		if res.Observable && res.DoesMatchPath(segments) {
			return true
		}
	}
	return false
}

// SetButton updates a button input from the hosting environment.
func (s *Server) SetButton(idx int, pressed bool) {
	s.enqueue(func() {
		s.device.SetButton(idx, pressed)
	})
}

// StartFileTransfer pushes a file block-wise to every active subscriber.
// A transfer already in progress rejects the overlap.
func (s *Server) StartFileTransfer(path string, isImage bool) {
	s.enqueue(func() {
		if s.sender.Active() {
			log.Info("transfer already in progress")
			return
		}

		s.subscribers.ForEach(func(sub *subscriber) {
			f, err := s.store.Open(path)
			if err != nil {
				log.Error(fmt.Sprintf("failed to open %s: %v", path, err))
				return
			}
			if _, err := s.sender.Begin(sub.addr, f, isImage); err != nil {
				f.Close()
				log.Error(err)
				return
			}
			s.emitBlock(sub.addr)
		})
	})
}

func (s *Server) emitBlock(peer net.Addr) {
	isImage := s.sender.IsImage(peer)

	payload, blk, err := s.sender.NextBlock(peer)
	if err != nil {
		log.Error(err)
		return
	}
	if blk == nil {
		return
	}

	sub := s.subscribers.FindByAddr(peer)
	if sub == nil {
		s.sender.Abort(peer)
		return
	}

	s.pushToSubscriber(sub, s.buildNotification(sub, payload, blk, isImage))
}

// buildNotification assembles a CON notification with the subscriber's next
// Observe sequence number. Content-Format is present on block 0 only.
func (s *Server) buildNotification(sub *subscriber, payload []byte, blk *Block, isImage bool) *CoAPMessage {
	msg := NewCoAPMessage(CON, CoapCodeContent)
	msg.Token = sub.token
	msg.Recipient = sub.addr
	msg.AddOption(OptionObserve, sub.NextSeq())

	if blk != nil {
		if isImage && blk.BlockNumber == 0 {
			msg.AddOption(OptionContentFormat, MediaTypeImageJpeg)
		}
		msg.AddOption(OptionBlock2, blk.ToInt())
	}

	msg.Payload = NewBytesPayload(payload)
	return msg
}

func (s *Server) pushToSubscriber(sub *subscriber, msg *CoAPMessage) {
	data, err := Serialize(msg)
	if err != nil {
		log.Error(err)
		return
	}

	if !s.reliability.Register(msg.MessageID, sub.addr, data, time.Now()) {
		// table full: the notification is dropped, the subscriber keeps its slot
		return
	}

	if s.sendRaw(data, sub.addr) == nil {
		MetricNotificationsSent.Inc()
	}
}
