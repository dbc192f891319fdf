package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	writes []string
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.writes = append(r.writes, string(p))
	return len(p), nil
}

func TestDeferredWriter_ReplaysWritesInOrder(t *testing.T) {
	var d DeferredWriter

	buf := []byte("first\n")
	_, err := d.Write(buf)
	require.NoError(t, err)
	buf[0] = 'X' // the writer keeps its own copy
	_, _ = d.Write([]byte("second\n"))
	assert.Equal(t, 2, d.Len())

	rec := &recordingWriter{}
	require.NoError(t, d.Flush(rec))
	assert.Equal(t, []string{"first\n", "second\n"}, rec.writes)
	assert.Equal(t, 0, d.Len())
}

func TestDeferredWriter_FlushEmpty(t *testing.T) {
	var d DeferredWriter
	var out bytes.Buffer
	require.NoError(t, d.Flush(&out))
	assert.Empty(t, out.String())
}
