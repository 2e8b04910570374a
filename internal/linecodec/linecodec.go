// Package linecodec converts between byte streams and text lines in a chosen
// character encoding.
//
// A line ends at "\n", "\r" or "\r\n". Writers always terminate lines with "\n".
package linecodec

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultEncoding is the encoding used when none is specified.
const DefaultEncoding = "utf-8"

// Lookup resolves an encoding by its WHATWG label (e.g. "utf-8", "iso-8859-1",
// "windows-1251", "shift_jis"). An empty name selects UTF-8. The canonical name is
// returned alongside the encoding.
func Lookup(name string) (encoding.Encoding, string, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultEncoding
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, "", fmt.Errorf("unsupported text encoding %q: %w", name, err)
	}

	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToLower(strings.TrimSpace(name))
	}

	return enc, canonical, nil
}

// Reader splits a byte stream into decoded lines. It is not safe for concurrent use.
type Reader struct {
	br     *bufio.Reader
	skipLF bool
	line   strings.Builder
}

// NewReader decodes r with enc. A nil enc reads UTF-8.
func NewReader(r io.Reader, enc encoding.Encoding) *Reader {
	if enc != nil && enc != unicode.UTF8 {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. Bytes that do not end in
// a terminator stay buffered until one arrives. At end of stream, a pending
// partial line is returned once before io.EOF.
func (r *Reader) ReadLine() (string, error) {
	for {
		c, _, err := r.br.ReadRune()
		if err != nil {
			if err == io.EOF && r.line.Len() > 0 {
				return r.take(), nil
			}
			return "", err
		}

		if r.skipLF {
			r.skipLF = false
			if c == '\n' {
				continue
			}
		}

		switch c {
		case '\n':
			return r.take(), nil
		case '\r':
			r.skipLF = true
			return r.take(), nil
		default:
			r.line.WriteRune(c)
		}
	}
}

func (r *Reader) take() string {
	s := r.line.String()
	r.line.Reset()
	return s
}

// Writer encodes lines onto a byte stream. Concurrent WriteLine calls are serialized.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *encoding.Encoder
}

// NewWriter encodes onto w with enc. Characters the encoding cannot represent are
// replaced with the encoding's substitute. A nil enc writes UTF-8.
func NewWriter(w io.Writer, enc encoding.Encoding) *Writer {
	var encoder *encoding.Encoder
	if enc != nil && enc != unicode.UTF8 {
		encoder = encoding.ReplaceUnsupported(enc.NewEncoder())
	}
	return &Writer{w: w, enc: encoder}
}

// WriteLine writes line followed by "\n" in a single Write call.
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := []byte(line + "\n")
	if w.enc != nil {
		encoded, err := w.enc.Bytes(payload)
		if err != nil {
			return fmt.Errorf("failed to encode line: %w", err)
		}
		payload = encoded
	}

	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	return nil
}
