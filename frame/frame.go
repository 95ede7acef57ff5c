/*
Package frame implements the length-prefixed base protocol spoken on the
analysis tool's standard streams. Each message on the wire is a header block
terminated by \r\n\r\n followed by exactly Content-Length bytes of body.

The decoder is push-based: the pipe reader feeds it raw chunks as they arrive
and collects whatever complete bodies the accumulated bytes contain. Chunk
boundaries carry no meaning, so feeding a stream byte-by-byte yields the same
bodies as feeding it all at once.
*/
package frame

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

var headerTerminator = []byte("\r\n\r\n")

// FramingError indicates a header block that cannot be parsed. It is fatal to
// the byte stream it occurred on; the caller should stop feeding the decoder.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// Encode prefixes body with a Content-Length header block.
func Encode(body []byte) []byte {
	buf := make([]byte, 0, len(body)+32)
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, headerTerminator...)
	return append(buf, body...)
}

// Decoder accumulates raw stream bytes and slices complete message bodies out
// of them. The zero value is ready to use. Decoder is not safe for concurrent
// use; it is owned by the single goroutine pumping the stream.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every body that is now
// fully available, in stream order. A zero-length body is valid and is
// returned as an empty (non-nil) slice. A header block without a parseable
// Content-Length returns a *FramingError; the decoder is unusable afterwards.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var bodies [][]byte
	for {
		end := bytes.Index(d.buf, headerTerminator)
		if end < 0 {
			// Header block still incomplete.
			return bodies, nil
		}

		length, err := parseContentLength(d.buf[:end])
		if err != nil {
			return bodies, err
		}

		bodyStart := end + len(headerTerminator)
		if len(d.buf)-bodyStart < length {
			// Body still incomplete, wait for more bytes.
			return bodies, nil
		}

		body := make([]byte, length)
		copy(body, d.buf[bodyStart:bodyStart+length])
		bodies = append(bodies, body)

		rest := d.buf[bodyStart+length:]
		if len(rest) == 0 {
			d.buf = nil
		} else {
			// Copy so the consumed prefix can be collected.
			d.buf = append([]byte(nil), rest...)
		}
	}
}

// Buffered reports how many unconsumed bytes the decoder is holding.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func parseContentLength(header []byte) (int, error) {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		// Other headers are tolerated and ignored.
		if !bytes.EqualFold(bytes.TrimSpace(name), []byte("Content-Length")) {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
		if err != nil || n < 0 {
			return 0, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", bytes.TrimSpace(value))}
		}
		return n, nil
	}
	return 0, &FramingError{Reason: "header block has no Content-Length"}
}

// Writer frames every Write call as one encoded message on the underlying
// writer. It is used to forward client messages to the analysis process stdin.
type Writer struct {
	W io.Writer
}

func (w *Writer) Write(p []byte) (int, error) {
	if _, err := w.W.Write(Encode(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
