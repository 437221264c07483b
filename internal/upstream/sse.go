package upstream

import (
	"bufio"
	"io"
	"strings"
)

// SSEParser extracts the JSON payloads from an `alt=sse` response body.
// Chunks from the network can split a `data:` line anywhere, so partial
// trailing lines are buffered until the next Feed completes them.
type SSEParser struct {
	buf strings.Builder
}

// Feed appends a chunk and returns the payloads of every complete
// `data:` line seen so far, stripped of the prefix.
func (p *SSEParser) Feed(chunk []byte) []string {
	p.buf.Write(chunk)
	data := p.buf.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	complete := data[:idx]
	p.buf.Reset()
	p.buf.WriteString(data[idx+1:])

	var payloads []string
	for _, line := range strings.Split(complete, "\n") {
		if payload, ok := dataPayload(line); ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

// Tail flushes whatever is buffered after the source is exhausted. A
// well-formed stream ends with a newline, so this usually returns nothing.
func (p *SSEParser) Tail() []string {
	rest := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if payload, ok := dataPayload(rest); ok {
		return []string{payload}
	}
	return nil
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}

// ReadAll drains an SSE body and invokes fn for each payload. Used where
// the caller wants every upstream frame without managing the parser.
func ReadAll(r io.Reader, fn func(payload string) error) error {
	var p SSEParser
	br := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 16*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			for _, payload := range p.Feed(buf[:n]) {
				if ferr := fn(payload); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			for _, payload := range p.Tail() {
				if ferr := fn(payload); ferr != nil {
					return ferr
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
