package coapnode

import (
	"time"
)

// GET /buttons. With Observe=0 the request registers a subscription; the
// registration reply itself consumes the first sequence number so later
// notifications stay strictly increasing.
func (s *Server) handleGetButtons(message *CoAPMessage) *CoAPResourceHandlerResult {
	if obs, ok := message.GetObserve(); ok {
		switch obs {
		case 0:
			sub, err := s.subscribers.Register(message.Sender, message.Token, time.Now())
			if err != nil {
				return NewResponse(NewStringPayload("no free subscriber slots"), CoapCodeBadRequest)
			}
			result := NewResponse(NewEmptyPayload(), CoapCodeContent)
			result.AddOption(OptionObserve, sub.NextSeq())
			return result
		case 1:
			s.subscribers.Unregister(message.Sender, message.Token)
		}
	}

	result := NewResponse(NewStringPayload(s.device.ButtonsPayload()), CoapCodeContent)
	result.MediaType = MediaTypeTextPlain
	return result
}

// GET /actuators
func (s *Server) handleGetActuators(message *CoAPMessage) *CoAPResourceHandlerResult {
	result := NewResponse(NewStringPayload(s.device.ActuatorsPayload()), CoapCodeContent)
	result.MediaType = MediaTypeTextPlain
	return result
}

// PUT /actuators. The payload is an ASCII directive list; every directive
// present is applied.
func (s *Server) handlePutActuators(message *CoAPMessage) *CoAPResourceHandlerResult {
	payload := message.GetPayload()
	if len(payload) == 0 {
		return NewResponse(NewStringPayload("Empty payload"), CoapCodeBadRequest)
	}

	s.device.ApplyActuatorDirectives(string(payload))

	result := NewResponse(NewStringPayload("OK"), CoapCodeChanged)
	result.MediaType = MediaTypeTextPlain
	return result
}
