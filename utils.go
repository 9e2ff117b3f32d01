package coapnode

import (
	"encoding/binary"
	"math/rand"
)

var currentMessageID uint16

func init() {
	currentMessageID = uint16(rand.Intn(65535))
}

func generateMessageID() uint16 {
	if currentMessageID < 65535 {
		currentMessageID++
	} else {
		currentMessageID = 1
	}
	return currentMessageID
}

// GenerateToken generates a random token of the given length, capped at the
// protocol maximum of 8 bytes.
func GenerateToken(l int) []byte {
	if l > MaxTokenLength {
		l = MaxTokenLength
	}
	token := make([]byte, l)
	for i := range token {
		token[i] = byte(rand.Intn(256))
	}
	return token
}

func generateToken(l int) []byte {
	return GenerateToken(l)
}

// type to sort the coap options list (which is mandatory) prior to transmission
type sortOptions []*CoAPMessageOption

func (opts sortOptions) Len() int {
	return len(opts)
}

func (opts sortOptions) Swap(i, j int) {
	opts[i], opts[j] = opts[j], opts[i]
}

func (opts sortOptions) Less(i, j int) bool {
	return opts[i].Code < opts[j].Code
}

func getOptionHeaderValue(optValue int) (int, error) {
	switch {
	case optValue < 0:
		return 0, ErrOptionOutOfRange
	case optValue <= 12:
		return optValue, nil
	case optValue <= 268:
		return 13, nil
	case optValue <= 65804:
		return 14, nil
	}
	return 0, ErrOptionOutOfRange
}

// Validates a message object and returns any error upon validation failure
func validateMessage(msg *CoAPMessage) error {
	if msg.Type > 3 {
		return ErrUnknownMessageType
	}

	if len(msg.Token) > MaxTokenLength {
		return ErrInvalidTokenLength
	}

	for _, opt := range msg.Options {
		opts := msg.GetOptions(opt.Code)
		if len(opts) > 1 && !opts[0].IsRepeatableOption() {
			if opts[0].IsCritical() {
				return ErrUnknownCriticalOption
			}
		}
	}

	return nil
}

func valueToBytes(value interface{}) []byte {
	var v uint32

	switch i := value.(type) {
	case string:
		return []byte(i)
	case []byte:
		return i
	case MediaType:
		v = uint32(i)
	case byte:
		v = uint32(i)
	case int:
		v = uint32(i)
	case int32:
		v = uint32(i)
	case uint:
		v = uint32(i)
	case uint16:
		v = uint32(i)
	case uint32:
		v = i
	default:
		return []byte{}
	}

	return encodeInt(v)
}

// encodeInt packs an unsigned integer into the minimum number of big-endian
// bytes (zero encodes as zero bytes, per RFC 7252 option encoding).
func encodeInt(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xff:
		return []byte{byte(v)}
	case v <= 0xffff:
		rv := []byte{0, 0}
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v <= 0xffffff:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := []byte{0, 0, 0, 0}
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

func decodeInt(b []byte) (int, error) {
	if len(b) > 4 {
		return 0, ErrOptionOutOfRange
	}
	tmp := []byte{0, 0, 0, 0}
	copy(tmp[4-len(b):], b)
	return int(binary.BigEndian.Uint32(tmp)), nil
}
