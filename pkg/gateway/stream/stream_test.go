package stream

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeTrackingReader struct {
	io.Reader
	closed *bool
}

func (c closeTrackingReader) Close() error {
	*c.closed = true
	return nil
}

func newTracked(s string) (io.Reader, *bool) {
	closed := false
	return closeTrackingReader{Reader: strings.NewReader(s), closed: &closed}, &closed
}

func TestConcatYieldsInOrder(t *testing.T) {
	a, b, c := strings.NewReader("foo"), strings.NewReader("bar"), strings.NewReader("baz")
	out, err := io.ReadAll(Concat(a, b, c))
	require.NoError(t, err)
	assert.Equal(t, "foobarbaz", string(out))
}

func TestConcatClosesEachReaderAsExhausted(t *testing.T) {
	r1, closed1 := newTracked("one")
	r2, closed2 := newTracked("two")

	c := Concat(r1, r2)
	buf := make([]byte, 3)
	_, err := c.Read(buf)
	require.NoError(t, err)
	// The first reader reports EOF only on the next Read, which closes it
	// and moves on to the second reader.
	_, err = c.Read(buf)
	require.NoError(t, err)
	assert.True(t, *closed1, "first reader should be closed once exhausted")
	assert.False(t, *closed2)

	_, err = io.ReadAll(c)
	require.NoError(t, err)
	assert.True(t, *closed2)
}

func TestConcatCloseReleasesRemainingReaders(t *testing.T) {
	r1, closed1 := newTracked("one")
	r2, closed2 := newTracked("two")

	c := Concat(r1, r2)
	require.NoError(t, c.Close())
	assert.True(t, *closed1)
	assert.True(t, *closed2)
}

func TestWrapTextWrapsBody(t *testing.T) {
	body := strings.NewReader("inner")
	w := WrapText("<div>", body, "</div>")
	out, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, "<div>inner</div>", string(out))
}

func TestTransformRewritesBodyAndClosesSource(t *testing.T) {
	src, closed := newTracked("hello")
	out, err := Transform(src, func(b []byte) []byte {
		return bytes.ToUpper(b)
	})
	require.NoError(t, err)
	assert.True(t, *closed)

	result, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(result))
}
