package coapnode

import (
	"strings"
)

type CoAPResource struct {
	Method       CoapCode
	Path         string
	PathSegments []string
	Handler      CoAPResourceHandler
	Observable   bool
}

type CoAPResourceHandler func(message *CoAPMessage) *CoAPResourceHandlerResult

type CoAPResourceHandlerResult struct {
	Payload   CoAPMessagePayload
	Code      CoapCode
	MediaType MediaType
	Options   []*CoAPMessageOption
}

func NewResponse(payload CoAPMessagePayload, code CoapCode) *CoAPResourceHandlerResult {
	return &CoAPResourceHandlerResult{Payload: payload, Code: code, MediaType: -1} // -1 means no value
}

// AddOption attaches an extra response option (Observe, Block2, ...).
func (r *CoAPResourceHandlerResult) AddOption(code OptionCode, value interface{}) *CoAPResourceHandlerResult {
	r.Options = append(r.Options, NewOption(code, value))
	return r
}

func NewCoAPResource(method CoapCode, path string, handler CoAPResourceHandler) *CoAPResource {
	path = strings.Trim(path, "/ ")

	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}

	return &CoAPResource{
		Method:       method,
		Path:         path,
		PathSegments: segments,
		Handler:      handler,
	}
}

// DoesMatchPath requires identical segment count and per-segment byte
// equality, case sensitive.
func (resource *CoAPResource) DoesMatchPath(segments []string) bool {
	if len(segments) != len(resource.PathSegments) {
		return false
	}
	for i, seg := range resource.PathSegments {
		if segments[i] != seg {
			return false
		}
	}
	return true
}

func (resource *CoAPResource) DoesMatchPathAndMethod(segments []string, method CoapCode) bool {
	return resource.Method == method && resource.DoesMatchPath(segments)
}
