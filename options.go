package coapnode

import (
	"strconv"
)

// Represents an Option for a CoAP Message
type CoAPMessageOption struct {
	Code  OptionCode
	Value interface{}
}

// Instantiates a New Option
func NewOption(optionNumber OptionCode, optionValue interface{}) *CoAPMessageOption {
	return &CoAPMessageOption{
		Code:  optionNumber,
		Value: optionValue,
	}
}

func (o *CoAPMessageOption) IsCritical() bool {
	return int(o.Code)%2 != 0
}

// Returns the string value of an option
func (o *CoAPMessageOption) StringValue() string {
	if str, ok := o.Value.(string); ok {
		return str
	}
	return ""
}

func (o *CoAPMessageOption) IntValue() int {
	if o.Value == nil {
		return 0
	}

	switch v := o.Value.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case uint:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case MediaType:
		return int(v)
	case string:
		intVal, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return intVal
	default:
		return 0
	}
}

// Checks if an option is repeatable
func (opt *CoAPMessageOption) IsRepeatableOption() bool {
	switch opt.Code {
	case OptionIfMatch, OptionEtag, OptionLocationPath, OptionURIPath,
		OptionURIQuery, OptionLocationQuery:
		return true
	default:
		return false
	}
}

// Returns an array of options given an option code
func (m *CoAPMessage) GetOptions(id OptionCode) []*CoAPMessageOption {
	var opts []*CoAPMessageOption
	for _, val := range m.Options {
		if val.Code == id {
			opts = append(opts, val)
		}
	}
	return opts
}

// Returns the first option found for a given option code
func (m *CoAPMessage) GetOption(id OptionCode) *CoAPMessageOption {
	for _, val := range m.Options {
		if val.Code == id {
			return val
		}
	}
	return nil
}

func (m *CoAPMessage) GetOptionAsString(id OptionCode) (str string) {
	if opt := m.GetOption(id); opt != nil {
		return opt.StringValue()
	}
	return
}

func (m *CoAPMessage) GetOptionsAsString(id OptionCode) (str []string) {
	for _, o := range m.GetOptions(id) {
		str = append(str, o.StringValue())
	}
	return
}

// Add an Option to the message. If an option is not repeatable, it will replace
// any existing defined Option of the same type
func (m *CoAPMessage) AddOption(code OptionCode, value interface{}) {
	opt := NewOption(code, value)
	if !opt.IsRepeatableOption() {
		m.RemoveOptions(code)
	}
	m.Options = append(m.Options, opt)
}

// Add an array of Options to the message. If an option is not repeatable, it
// will replace any existing defined Option of the same type
func (m *CoAPMessage) AddOptions(opts []*CoAPMessageOption) {
	for _, opt := range opts {
		m.AddOption(opt.Code, opt.Value)
	}
}

// Copies the given list of options from another message to this one
func (m *CoAPMessage) CloneOptions(cm *CoAPMessage, opts ...OptionCode) {
	for _, opt := range opts {
		m.AddOptions(cm.GetOptions(opt))
	}
}

// Removes an Option
func (m *CoAPMessage) RemoveOptions(id OptionCode) {
	var opts []*CoAPMessageOption
	for _, opt := range m.Options {
		if opt.Code != id {
			opts = append(opts, opt)
		}
	}
	m.Options = opts
}
