package coapnode

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
)

// A Message object represents a CoAP message: header fields, token, options
// and payload
type CoAPMessage struct {
	MessageID uint16
	Type      CoapType
	Code      CoapCode
	Payload   CoAPMessagePayload
	Token     []byte
	Options   []*CoAPMessageOption

	Sender    net.Addr
	Recipient net.Addr
}

func NewCoAPMessage(messageType CoapType, messageCode CoapCode) *CoAPMessage {
	return &CoAPMessage{
		MessageID: generateMessageID(),
		Type:      messageType,
		Code:      messageCode,
		Payload:   NewEmptyPayload(),
		Token:     generateToken(6),
	}
}

func NewCoAPMessageId(messageType CoapType, messageCode CoapCode, messageID uint16) *CoAPMessage {
	return &CoAPMessage{
		MessageID: messageID,
		Type:      messageType,
		Code:      messageCode,
		Payload:   NewEmptyPayload(),
	}
}

// Converts an array of bytes to a Message object.
// An error is returned if a parsing error occurs, and the message must then
// be dropped without a reply.
func Deserialize(data []byte) (*CoAPMessage, error) {
	msg := &CoAPMessage{}

	if len(data) < 4 {
		return nil, ErrPacketLengthLessThan4
	}

	ver := data[DataHeader] >> 6
	if ver != 1 {
		return nil, ErrInvalidCoapVersion
	}

	msg.Type = CoapType(data[DataHeader] >> 4 & 0x03)
	tokenLength := int(data[DataHeader] & 0x0f)
	msg.Code = CoapCode(data[DataCode])
	msg.MessageID = binary.BigEndian.Uint16(data[DataMsgIDStart:DataMsgIDEnd])

	if tokenLength > MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}
	if len(data) < DataTokenStart+tokenLength {
		return nil, ErrTruncatedMessage
	}
	if tokenLength > 0 {
		msg.Token = make([]byte, tokenLength)
		copy(msg.Token, data[DataTokenStart:DataTokenStart+tokenLength])
	}

	/*
	    0   1   2   3   4   5   6   7
	   +---------------+---------------+
	   |  Option Delta | Option Length |   1 byte
	   +---------------+---------------+
	   /         Option Delta          /   0-2 bytes
	   \          (extended)           \
	   +-------------------------------+
	   /         Option Length         /   0-2 bytes
	   \          (extended)           \
	   +-------------------------------+
	   /         Option Value          /   0 or more bytes
	   +-------------------------------+
	*/
	tmp := data[DataTokenStart+tokenLength:]

	lastOptionID := 0
	hadMarker := false
	for len(tmp) > 0 {
		if tmp[0] == PayloadMarker {
			tmp = tmp[1:]
			hadMarker = true
			break
		}

		optionDelta := int(tmp[0] >> 4)
		optionLength := int(tmp[0] & 0x0f)
		tmp = tmp[1:]

		switch optionDelta {
		case 13:
			if len(tmp) < 1 {
				return nil, ErrTruncatedMessage
			}
			optionDelta = int(tmp[0]) + 13
			tmp = tmp[1:]
		case 14:
			if len(tmp) < 2 {
				return nil, ErrTruncatedMessage
			}
			optionDelta = int(binary.BigEndian.Uint16(tmp[:2])) + 269
			tmp = tmp[2:]
		case 15:
			return nil, ErrOptionDeltaUsesValue15
		}

		lastOptionID += optionDelta

		switch optionLength {
		case 13:
			if len(tmp) < 1 {
				return nil, ErrTruncatedMessage
			}
			optionLength = int(tmp[0]) + 13
			tmp = tmp[1:]
		case 14:
			if len(tmp) < 2 {
				return nil, ErrTruncatedMessage
			}
			optionLength = int(binary.BigEndian.Uint16(tmp[:2])) + 269
			tmp = tmp[2:]
		case 15:
			return nil, ErrOptionLengthUsesValue15
		}

		if optionLength > len(tmp) {
			return nil, ErrTruncatedMessage
		}

		optCode := OptionCode(lastOptionID)
		optionValue := tmp[:optionLength]

		switch optCode {
		case OptionObserve, OptionURIPort, OptionContentFormat, OptionMaxAge,
			OptionAccept, OptionBlock1, OptionBlock2, OptionSize1, OptionSize2:
			intVal, err := decodeInt(optionValue)
			if err != nil {
				return nil, err
			}
			msg.Options = append(msg.Options, NewOption(optCode, intVal))

		case OptionURIHost, OptionEtag, OptionLocationPath, OptionURIPath,
			OptionURIQuery, OptionLocationQuery:
			msg.Options = append(msg.Options, NewOption(optCode, string(optionValue)))

		default:
			if lastOptionID&0x01 == 1 {
				return nil, ErrUnknownCriticalOption
			}
			// elective and unknown: skip
		}
		tmp = tmp[optionLength:]
	}

	if hadMarker && len(tmp) == 0 {
		// a marker followed by a zero-length payload is a format error
		return nil, ErrTruncatedMessage
	}
	msg.Payload = NewBytesPayload(tmp)

	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// Converts a message object to a byte array. Typically done prior to transmission.
func Serialize(msg *CoAPMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if len(msg.Token) > MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}

	buf := make([]byte, 0, 4+len(msg.Token)+len(msg.Options)*4+payloadLength(msg)+1)

	messageID := []byte{0, 0}
	binary.BigEndian.PutUint16(messageID, msg.MessageID)

	buf = append(buf, (1<<6)|(uint8(msg.Type)<<4)|0x0f&uint8(len(msg.Token)))
	buf = append(buf, byte(msg.Code))
	buf = append(buf, messageID[0], messageID[1])
	buf = append(buf, msg.Token...)

	// Options are sorted by number before delta encoding
	sort.Stable(sortOptions(msg.Options))

	lastOptionCode := 0
	for _, opt := range msg.Options {
		optCode := int(opt.Code)
		optDelta := optCode - lastOptionCode
		optDeltaValue, err := getOptionHeaderValue(optDelta)
		if err != nil {
			return nil, err
		}
		byteValue := valueToBytes(opt.Value)
		optLength := len(byteValue)
		optLengthValue, err := getOptionHeaderValue(optLength)
		if err != nil {
			return nil, err
		}

		buf = append(buf, byte(optDeltaValue<<4|optLengthValue))

		switch optDeltaValue {
		case 13:
			buf = append(buf, byte(optDelta-13))
		case 14:
			ext := []byte{0, 0}
			binary.BigEndian.PutUint16(ext, uint16(optDelta-269))
			buf = append(buf, ext...)
		}

		switch optLengthValue {
		case 13:
			buf = append(buf, byte(optLength-13))
		case 14:
			ext := []byte{0, 0}
			binary.BigEndian.PutUint16(ext, uint16(optLength-269))
			buf = append(buf, ext...)
		}

		buf = append(buf, byteValue...)
		lastOptionCode = optCode
	}

	if msg.Payload != nil && msg.Payload.Length() > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, msg.Payload.Bytes()...)
	}

	return buf, nil
}

// SerializeTo writes the wire form of msg into dst. It fails with
// ErrBufferTooSmall when the encoded message does not fit.
func SerializeTo(msg *CoAPMessage, dst []byte) (int, error) {
	buf, err := Serialize(msg)
	if err != nil {
		return 0, err
	}
	if len(buf) > len(dst) {
		return 0, ErrBufferTooSmall
	}
	return copy(dst, buf), nil
}

func payloadLength(msg *CoAPMessage) int {
	if msg.Payload == nil {
		return 0
	}
	return msg.Payload.Length()
}

func (m *CoAPMessage) Clone(includePayload bool) *CoAPMessage {
	cloneMessage := NewCoAPMessageId(m.Type, m.Code, m.MessageID)
	cloneMessage.Token = m.Token
	cloneMessage.Options = append([]*CoAPMessageOption{}, m.Options...)
	if includePayload {
		cloneMessage.Payload = m.Payload
	}
	return cloneMessage
}

func (m *CoAPMessage) GetURIPath() string {
	opts := m.GetOptionsAsString(OptionURIPath)

	return "/" + strings.Join(opts, "/")
}

// GetURIPathSegments returns the raw path segments; matching is per-segment
// byte equality, case sensitive.
func (m *CoAPMessage) GetURIPathSegments() []string {
	return m.GetOptionsAsString(OptionURIPath)
}

func (m *CoAPMessage) GetURIQueryString() string {
	options := m.GetOptions(OptionURIQuery)

	var query []string
	for _, v := range options {
		query = append(query, v.StringValue())
	}

	return strings.Join(query, "&")
}

func (m *CoAPMessage) GetURIQuery(q string) string {
	for _, v := range m.GetOptionsAsString(OptionURIQuery) {
		kv := strings.SplitN(v, "=", 2)
		if len(kv) == 2 && kv[0] == q {
			return kv[1]
		}
	}

	return ""
}

func (m *CoAPMessage) GetCodeString() string {
	return fmt.Sprintf("%d.%02d", m.Code>>5, m.Code&0x1f)
}

func (m *CoAPMessage) GetTokenLength() uint8 {
	return uint8(len(m.Token))
}

func (m *CoAPMessage) GetTokenString() string {
	return string(m.Token)
}

func (m *CoAPMessage) GetMessageIDString() string {
	return fmt.Sprintf("0x%04X", m.MessageID)
}

func (m *CoAPMessage) GetPayload() []byte {
	if m.Payload == nil {
		return nil
	}
	return m.Payload.Bytes()
}

func (m *CoAPMessage) SetMediaType(mt MediaType) {
	m.AddOption(OptionContentFormat, mt)
}

func (m *CoAPMessage) SetStringPayload(s string) {
	m.Payload = NewStringPayload(s)
}

func (m *CoAPMessage) SetURIPath(fullPath string) {
	for _, path := range strings.Split(fullPath, "/") {
		if path != "" {
			m.AddOption(OptionURIPath, path)
		}
	}
}

func (m *CoAPMessage) SetURIQuery(k, v string) {
	m.AddOption(OptionURIQuery, k+"="+v)
}

func (m *CoAPMessage) SetToken(t []byte) {
	m.Token = t
}

func (m *CoAPMessage) IsRequest() bool {
	return (m.Type == CON || m.Type == NON) && m.Code.IsRequest()
}

func (m *CoAPMessage) GetBlock2() *Block {
	if opt := m.GetOption(OptionBlock2); opt != nil {
		return NewBlockFromInt(opt.IntValue())
	}
	return nil
}

func (m *CoAPMessage) GetBlock1() *Block {
	if opt := m.GetOption(OptionBlock1); opt != nil {
		return NewBlockFromInt(opt.IntValue())
	}
	return nil
}

// GetObserve returns the Observe option value and whether it is present.
func (m *CoAPMessage) GetObserve() (int, bool) {
	if opt := m.GetOption(OptionObserve); opt != nil {
		return opt.IntValue(), true
	}
	return 0, false
}

func (m *CoAPMessage) ToReadableString() string {
	options := ""
	for _, option := range m.Options {
		options += fmt.Sprintf("%v: '%v' ", option.Code, option.Value)
	}

	return fmt.Sprintf(
		"%v\t%v\t%x\t%v\t[%v]",
		typeString(m.Type),
		m.Code.String(),
		m.Token,
		m.MessageID,
		options)
}
