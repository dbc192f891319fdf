package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(segs []segment) (string, []marker) {
	var data strings.Builder
	var marks []marker
	for _, s := range segs {
		if s.marker != nil {
			marks = append(marks, *s.marker)
			continue
		}
		data.Write(s.data)
	}
	return data.String(), marks
}

func TestMarkerScanner_SingleChunk(t *testing.T) {
	var s markerScanner
	data, marks := collect(s.feed([]byte("a.txt\r\nb.txt\r\n\x1b]697;done;tok1;0\x07")))
	assert.Equal(t, "a.txt\r\nb.txt\r\n", data)
	require.Len(t, marks, 1)
	assert.Equal(t, marker{token: "tok1", code: 0}, marks[0])
}

func TestMarkerScanner_SplitAcrossChunks(t *testing.T) {
	full := "out\x1b]697;done;abc;127\x07more"
	for split := 1; split < len(full); split++ {
		var s markerScanner
		d1, m1 := collect(s.feed([]byte(full[:split])))
		d2, m2 := collect(s.feed([]byte(full[split:])))

		assert.Equal(t, "outmore", d1+d2, "split at %d", split)
		marks := append(m1, m2...)
		require.Len(t, marks, 1, "split at %d", split)
		assert.Equal(t, 127, marks[0].code)
		assert.Equal(t, "abc", marks[0].token)
	}
}

func TestMarkerScanner_OrderPreserved(t *testing.T) {
	var s markerScanner
	segs := s.feed([]byte("one\x1b]697;done;a;0\x07two\x1b]697;done;b;1\x07"))
	require.Len(t, segs, 4)
	assert.Equal(t, "one", string(segs[0].data))
	assert.Equal(t, "a", segs[1].marker.token)
	assert.Equal(t, "two", string(segs[2].data))
	assert.Equal(t, 1, segs[3].marker.code)
}

func TestMarkerScanner_MalformedPassesThrough(t *testing.T) {
	var s markerScanner
	data, marks := collect(s.feed([]byte("x\x1b]697;done;nocode\x07y")))
	assert.Empty(t, marks)
	assert.Equal(t, "x\x1b]697;done;nocode\x07y", data)
}

func TestMarkerScanner_UnterminatedGivesUp(t *testing.T) {
	var s markerScanner
	long := "\x1b]697;done;" + strings.Repeat("z", maxMarkerBody+10)
	data, marks := collect(s.feed([]byte(long)))
	assert.Empty(t, marks)
	assert.Equal(t, long, data)
	assert.Empty(t, s.flush())
}

func TestMarkerScanner_OtherEscapesUntouched(t *testing.T) {
	var s markerScanner
	in := "\x1b[1;32mgreen\x1b[0m\x1b]0;title\x07"
	data, marks := collect(s.feed([]byte(in)))
	assert.Empty(t, marks)
	assert.Equal(t, in, data)
}

func TestMarkerScanner_Flush(t *testing.T) {
	var s markerScanner
	data, _ := collect(s.feed([]byte("tail\x1b]69")))
	assert.Equal(t, "tail", data)
	assert.Equal(t, "\x1b]69", string(s.flush()))
}

func TestMarkerCommand(t *testing.T) {
	assert.Equal(t, `printf '\033]697;done;%s;%d\007' tok $?`, markerCommand("tok", "$?"))
	assert.Equal(t, `printf '\033]697;done;%s;%d\007' tok 130`, markerCommand("tok", "130"))
}

func TestOneShotLine(t *testing.T) {
	line := oneShotLine("echo 'hi there' | wc -c", "tok9")
	lines := strings.Split(strings.TrimSuffix(line, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `eval 'echo '\''hi there'\'' | wc -c' </dev/null`, lines[0])
	assert.Equal(t, markerCommand("tok9", "$?"), lines[1])
}
