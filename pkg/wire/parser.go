// Package wire implements the newline-delimited JSON protocol spoken on the
// hub socket. Every record is one JSON object on one line.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parser splits a byte stream into newline-delimited JSON records and invokes
// the registered callback once per complete, valid record. Blank lines and
// lines that are not valid JSON objects are silently dropped; a bad line
// never corrupts parsing of subsequent lines.
type Parser struct {
	buf      bytes.Buffer
	maxLine  int
	callback func(Record)
}

// Record is a decoded wire record. Dispatch reads the discriminator fields;
// handlers re-decode Raw into their typed request.
type Record struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Raw       json.RawMessage
}

// NewParser creates a parser with the given per-line byte limit.
// Lines exceeding the limit are discarded like invalid JSON.
func NewParser(maxLine int, callback func(Record)) *Parser {
	return &Parser{maxLine: maxLine, callback: callback}
}

// Feed appends data to the internal buffer and dispatches every complete line.
// Partial trailing bytes are retained for the next call, so any chunking of
// a valid stream produces the same record sequence.
func (p *Parser) Feed(data []byte) {
	p.buf.Write(data)
	for {
		line, ok := p.nextLine()
		if !ok {
			return
		}
		p.dispatch(line)
	}
}

func (p *Parser) nextLine() ([]byte, bool) {
	idx := bytes.IndexByte(p.buf.Bytes(), '\n')
	if idx < 0 {
		// Unterminated oversized garbage: drop it now so the buffer stays bounded.
		if p.maxLine > 0 && p.buf.Len() > p.maxLine {
			p.buf.Reset()
		}
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, p.buf.Bytes()[:idx])
	p.buf.Next(idx + 1)
	return line, true
}

func (p *Parser) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if p.maxLine > 0 && len(line) > p.maxLine {
		return
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}
	rec.Raw = json.RawMessage(line)
	if p.callback != nil {
		p.callback(rec)
	}
}

// Encode returns the JSON encoding of v followed by a single newline.
// encoding/json never emits raw newlines inside an encoded value, so the
// output is always exactly one line.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return append(data, '\n'), nil
}
