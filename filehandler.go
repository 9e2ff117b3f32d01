package coapnode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// GET /file: request-driven Block2 download. A request without Block2 asks
// for block 0 at the maximum size; the optional ?type=image query selects
// the image file.
func (s *Server) handleGetFile(message *CoAPMessage) *CoAPResourceHandlerResult {
	if s.sender.Active() {
		return NewResponse(NewStringPayload("transfer in progress"), CoapCodeServiceUnavailable)
	}

	path := s.cfg.TextFile
	mediaType := MediaTypeTextPlain
	if message.GetURIQuery("type") == "image" {
		path = s.cfg.ImageFile
		mediaType = MediaTypeImageJpeg
	}

	blockNum := 0
	blockSize := MaxPayloadSize
	if blk := message.GetBlock2(); blk != nil {
		blockNum = blk.BlockNumber
		if blk.BlockSize < blockSize {
			blockSize = blk.BlockSize
		}
	}

	f, err := s.store.Open(path)
	if err != nil {
		return NewResponse(NewStringPayload("file not found"), CoapCodeNotFound)
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return NewResponse(NewStringPayload("read error"), CoapCodeServiceUnavailable)
	}

	var payload []byte
	offset := int64(blockNum) * int64(blockSize)
	if offset < size {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return NewResponse(NewStringPayload("read error"), CoapCodeServiceUnavailable)
		}
		buf := make([]byte, blockSize)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return NewResponse(NewStringPayload("read error"), CoapCodeServiceUnavailable)
		}
		payload = buf[:n]
	}

	more := offset+int64(blockSize) < size

	result := NewResponse(NewBytesPayload(payload), CoapCodeContent)
	if blockNum == 0 {
		result.MediaType = mediaType
	}
	result.AddOption(OptionBlock2, NewBlock(more, blockNum, blockSize).ToInt())
	return result
}

// iPATCH /file: append the payload plus a newline to the text file, RFC 8132.
func (s *Server) handleIpatchFile(message *CoAPMessage) *CoAPResourceHandlerResult {
	payload := message.GetPayload()
	if len(payload) == 0 {
		return NewResponse(NewStringPayload("Empty payload"), CoapCodeBadRequest)
	}

	f, err := s.store.Append(s.cfg.TextFile)
	if err != nil {
		return NewResponse(NewStringPayload("cannot open file"), CoapCodeServiceUnavailable)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return NewResponse(NewStringPayload("write failed"), CoapCodeServiceUnavailable)
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return NewResponse(NewStringPayload("write failed"), CoapCodeServiceUnavailable)
	}

	result := NewResponse(NewStringPayload("Appended"), CoapCodeChanged)
	result.MediaType = MediaTypeTextPlain
	return result
}

// FETCH /file: line-range read driven by the request payload, RFC 8132.
// The payload is either "start,end" (inclusive, zero-indexed) or "N" for the
// first N lines.
func (s *Server) handleFetchFile(message *CoAPMessage) *CoAPResourceHandlerResult {
	cf := message.GetOption(OptionContentFormat)
	if cf == nil {
		return NewResponse(NewStringPayload("Content-Format required"), CoapCodeBadRequest)
	}
	if MediaType(cf.IntValue()) != MediaTypeTextPlain {
		return NewResponse(NewStringPayload("text/plain required"), CoapCodeUnsupportedContentFormat)
	}

	payload := message.GetPayload()
	if len(payload) == 0 {
		return NewResponse(NewStringPayload("Empty payload"), CoapCodeBadRequest)
	}

	start, end, err := parseLineRange(string(payload))
	if err != nil {
		return NewResponse(NewStringPayload(err.Error()), CoapCodeBadRequest)
	}

	f, openErr := s.store.Open(s.cfg.TextFile)
	if openErr != nil {
		return NewResponse(NewStringPayload("file not found"), CoapCodeNotFound)
	}
	defer f.Close()

	out, readErr := readLineRange(f, start, end)
	if readErr != nil {
		return NewResponse(NewStringPayload("read error"), CoapCodeServiceUnavailable)
	}

	result := NewResponse(NewBytesPayload(out), CoapCodeContent)
	result.MediaType = MediaTypeTextPlain
	return result
}

// parseLineRange accepts "start,end" or "N" (meaning "0,N-1").
func parseLineRange(spec string) (start, end int, err error) {
	spec = strings.TrimSpace(spec)

	if strings.Contains(spec, ",") {
		parts := strings.SplitN(spec, ",", 2)
		start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range %q", spec)
		}
		end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range %q", spec)
		}
	} else {
		n, convErr := strconv.Atoi(spec)
		if convErr != nil {
			return 0, 0, fmt.Errorf("invalid line count %q", spec)
		}
		start, end = 0, n-1
	}

	if start < 0 || end < 0 {
		return 0, 0, fmt.Errorf("line numbers must be non-negative")
	}
	if end < start {
		return 0, 0, fmt.Errorf("end line before start line")
	}
	return start, end, nil
}

// readLineRange concatenates lines start..end (with their newlines) into a
// buffer capped at MaxPayloadSize. When the buffer fills mid-range, what fits
// is returned without error. A start past EOF yields an empty result.
func readLineRange(f File, start, end int) ([]byte, error) {
	reader := bufio.NewReader(f)
	var out []byte

	for i := 0; i <= end; i++ {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && i >= start {
			if len(out)+len(line) > MaxPayloadSize {
				break
			}
			out = append(out, line...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}
