package csvimport

// streaming.go provides the reader chain applied to every uploaded source
// before it reaches encoding/csv:
//
//   - skipBOM drops a leading UTF-8 byte order mark written by Excel on Windows
//   - UTF8Sanitizer replaces invalid UTF-8 with U+FFFD without buffering the file
//   - CountingReader tracks bytes consumed for progress logging
//
// Memory use is bounded by the read buffer, not the file size.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM returns a reader positioned after the BOM, if r starts with one.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// UTF8Sanitizer wraps an io.Reader and replaces each invalid byte with the
// Unicode replacement character. Multi-byte sequences split across reads are
// carried over to the next call.
type UTF8Sanitizer struct {
	r       io.Reader
	in      []byte
	pending []byte // incomplete sequence from the previous read
	out     bytes.Buffer
	err     error
}

// NewUTF8Sanitizer creates a sanitizer over r.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{r: r, in: make([]byte, 32*1024)}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	for s.out.Len() == 0 && s.err == nil {
		s.fill()
	}
	if s.out.Len() > 0 {
		return s.out.Read(p)
	}
	return 0, s.err
}

func (s *UTF8Sanitizer) fill() {
	n, err := s.r.Read(s.in)
	data := make([]byte, 0, len(s.pending)+n)
	data = append(append(data, s.pending...), s.in[:n]...)
	s.pending = s.pending[:0]
	atEOF := err != nil

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(data) {
				s.pending = append(s.pending, data...)
				break
			}
			s.out.WriteRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		s.out.Write(data[:size])
		data = data[size:]
	}

	if err != nil {
		s.err = err
	}
}

// CountingReader wraps an io.Reader to track bytes read.
type CountingReader struct {
	r         io.Reader
	BytesRead int64
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// wrapSource applies BOM skipping, sanitization and byte counting, in that
// order.
func wrapSource(r io.Reader) *CountingReader {
	return &CountingReader{r: NewUTF8Sanitizer(skipBOM(r))}
}
