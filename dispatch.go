package coapnode

// ackTo builds the piggy-backed reply skeleton: type ACK, same message ID,
// same token as the request.
func ackTo(origMessage *CoAPMessage, code CoapCode) *CoAPMessage {
	result := NewCoAPMessageId(ACK, code, origMessage.MessageID)
	result.Token = origMessage.Token
	result.Recipient = origMessage.Sender
	return result
}

// newEmptyACK acknowledges a message without carrying a response.
func newEmptyACK(origMessage *CoAPMessage) *CoAPMessage {
	result := NewCoAPMessageId(ACK, CoapCodeEmpty, origMessage.MessageID)
	result.Recipient = origMessage.Sender
	return result
}

func isPing(message *CoAPMessage) bool {
	return message.Type == CON && message.Code == CoapCodeEmpty
}

// pongTo answers a CoAP ping (CON Empty) with RST Empty, RFC 7252 section 4.3.
func pongTo(message *CoAPMessage) *CoAPMessage {
	resp := NewCoAPMessageId(RST, CoapCodeEmpty, message.MessageID)
	resp.Recipient = message.Sender
	return resp
}

func noResource(message *CoAPMessage) *CoAPMessage {
	resp := ackTo(message, CoapCodeNotFound)
	resp.SetStringPayload("Requested resource " + message.GetURIPath() + " does not exist")
	return resp
}

func methodNotAllowed(message *CoAPMessage) *CoAPMessage {
	resp := ackTo(message, CoapCodeMethodNotAllowed)
	resp.SetStringPayload("Method is not allowed for requested resource")
	return resp
}

// resultMessage turns a handler result into the piggy-backed response.
func resultMessage(message *CoAPMessage, handlerResult *CoAPResourceHandlerResult) *CoAPMessage {
	resp := ackTo(message, handlerResult.Code)
	resp.Payload = handlerResult.Payload

	if handlerResult.MediaType >= 0 {
		resp.AddOption(OptionContentFormat, handlerResult.MediaType)
	}
	for _, opt := range handlerResult.Options {
		resp.AddOption(opt.Code, opt.Value)
	}

	return resp
}
