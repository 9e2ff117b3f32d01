package coapnode

import "errors"

var (
	ErrPacketLengthLessThan4   = errors.New("packet length less than 4 bytes")
	ErrInvalidCoapVersion      = errors.New("invalid CoAP version, should be 1")
	ErrInvalidTokenLength      = errors.New("invalid token length ( > 8)")
	ErrOptionDeltaUsesValue15  = errors.New("message format error: option delta has reserved value of 15")
	ErrOptionLengthUsesValue15 = errors.New("message format error: option length has reserved value of 15")
	ErrTruncatedMessage        = errors.New("message truncated inside option or extended field")
	ErrUnknownMessageType      = errors.New("unknown message type")
	ErrUnknownCriticalOption   = errors.New("unknown critical option encountered")
	ErrNilMessage              = errors.New("message is nil")

	ErrBufferTooSmall   = errors.New("destination buffer too small")
	ErrOptionOutOfRange = errors.New("option delta or length out of range")

	ErrMaxAttempts      = errors.New("max attempts")
	ErrPendingQueueFull = errors.New("pending message table is full")
	ErrSubscribersFull  = errors.New("no free subscriber slots")
	ErrTransferActive   = errors.New("file transfer already in progress")

	ErrUnsupportedType = errors.New("unsupported type of message")
	ErrNilConn         = errors.New("connection object is nil")
)
