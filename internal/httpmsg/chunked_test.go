package httpmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeChunkRoundTrip(t *testing.T) {
	enc := EncodeChunk([]byte("hello"))
	var d ChunkDecoder
	enc = append(enc, EncodeChunk(nil)...)

	res, err := d.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Body))
	assert.True(t, res.Done)
	assert.Equal(t, len(enc), res.Consumed)
}

func TestChunkDecoderHandlesThreeChunksAsSpecifiedInScenario6(t *testing.T) {
	c1 := make([]byte, 100)
	c2 := make([]byte, 200)
	c3 := make([]byte, 300)
	for i := range c1 {
		c1[i] = 'a'
	}
	for i := range c2 {
		c2[i] = 'b'
	}
	for i := range c3 {
		c3[i] = 'c'
	}

	var buf []byte
	buf = append(buf, EncodeChunk(c1)...)
	buf = append(buf, EncodeChunk(c2)...)
	buf = append(buf, EncodeChunk(c3)...)
	buf = append(buf, EncodeChunk(nil)...)

	var d ChunkDecoder
	res, err := d.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 600, len(res.Body))
	assert.True(t, res.Done)
}

func TestChunkDecoderHandlesPartialInputAcrossCalls(t *testing.T) {
	full := EncodeChunk([]byte("0123456789"))
	full = append(full, EncodeChunk(nil)...)

	var d ChunkDecoder
	var body []byte
	var pending []byte
	// feed it one new byte at a time to exercise partial-state
	// transitions; unconsumed bytes from each call carry over, the way
	// a connection's raw recv queue accumulates across reads.
	for i := 0; i < len(full); i++ {
		pending = append(pending, full[i])
		res, err := d.Decode(pending)
		require.NoError(t, err)
		body = append(body, res.Body...)
		pending = pending[res.Consumed:]
	}

	assert.Equal(t, "0123456789", string(body))
	assert.True(t, d.Done())
}

func TestChunkDecoderRejectsOversizedChunk(t *testing.T) {
	var d ChunkDecoder
	_, err := d.Decode([]byte("FFFFFFFF\r\n"))
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}
