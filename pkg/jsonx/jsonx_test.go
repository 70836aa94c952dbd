package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGzipRoundTrip(t *testing.T) {
	t.Parallel()
	in := record{Name: "model_dlq", Count: 7}

	data, err := MarshalGzip(in)
	require.NoError(t, err)
	require.True(t, len(data) >= 2)
	assert.Equal(t, byte(0x1f), data[0], "gzip magic")
	assert.Equal(t, byte(0x8b), data[1])

	var out record
	require.NoError(t, UnmarshalGzip(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalAcceptsPlainJSON(t *testing.T) {
	t.Parallel()
	var out record
	require.NoError(t, UnmarshalGzip([]byte(`{"name":"x","count":1}`), &out))
	assert.Equal(t, record{Name: "x", Count: 1}, out)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()
	var out record
	assert.Error(t, UnmarshalGzip([]byte(`not json`), &out))
	// A gzip header followed by junk must also error.
	assert.Error(t, UnmarshalGzip([]byte{0x1f, 0x8b, 0x00, 0x01, 0x02}, &out))
}

func TestMarshalUnencodable(t *testing.T) {
	t.Parallel()
	_, err := MarshalGzip(make(chan int))
	assert.Error(t, err)
}
