// Package stream implements the byte-stream combinators the piercing
// gateway uses to stitch a shell document and its fragments into one
// response body without buffering the whole thing in memory. Grounded
// on the teacher's scoped-resource pattern (pkg/health/http.go,
// pkg/security: defer resp.Body.Close() on every exit path),
// generalized from "close one response body" to "close a chain of
// readers, advancing one at a time and closing whatever remains if the
// caller abandons the stream early".
package stream

import (
	"bytes"
	"io"
)

// concat reads from a sequence of io.Readers one at a time, in order,
// closing each one (if it implements io.Closer) as it is exhausted. If
// the caller stops reading before the chain is drained, Close releases
// every reader that was never reached.
type concat struct {
	readers []io.Reader
	pos     int
}

// Concat returns a reader that yields from readers in order, one at a
// time, closing each as it's exhausted. The returned reader is also an
// io.Closer: closing it early releases every remaining underlying
// reader that implements io.Closer.
func Concat(readers ...io.Reader) io.ReadCloser {
	return &concat{readers: readers}
}

func (c *concat) Read(p []byte) (int, error) {
	for c.pos < len(c.readers) {
		n, err := c.readers[c.pos].Read(p)
		if err == io.EOF {
			c.closeAt(c.pos)
			c.pos++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, io.EOF
}

func (c *concat) Close() error {
	var first error
	for ; c.pos < len(c.readers); c.pos++ {
		if err := c.closeAt(c.pos); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *concat) closeAt(i int) error {
	if closer, ok := c.readers[i].(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// WrapText wraps body in the given prefix and suffix, concatenating
// prefix + body + suffix as a single stream. body's Close (if any) is
// honored when the combined stream is exhausted or abandoned.
func WrapText(prefix string, body io.Reader, suffix string) io.ReadCloser {
	return Concat(
		bytes.NewReader([]byte(prefix)),
		body,
		bytes.NewReader([]byte(suffix)),
	)
}

// Transform reads all of src, applies fn to the resulting bytes, and
// returns a reader over the transformed output. Unlike Concat/WrapText,
// Transform is not itself streaming: fn needs the complete body to do
// its work (e.g. wrapping it in an element whose attributes depend on
// something discovered while reading). src is closed (if it implements
// io.Closer) before fn runs.
func Transform(src io.Reader, fn func([]byte) []byte) (io.ReadCloser, error) {
	defer func() {
		if closer, ok := src.(io.Closer); ok {
			closer.Close()
		}
	}()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(fn(data))), nil
}
