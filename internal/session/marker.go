package session

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/hay-kot/pocket/pkg/tmpl"
)

// Completion markers are OSC sequences the shell prints after each command:
//
//	ESC ] 697 ; done ; <token> ; <exit code> BEL
//
// They are invisible to terminals that do not understand them, and the shell
// only ever emits them from printf, so typed text cannot forge one.
var markerPrefix = []byte("\x1b]697;done;")

const (
	markerBEL = 0x07
	// maxMarkerBody bounds how long we wait for a terminator before treating
	// a partial prefix as ordinary output.
	maxMarkerBody = 64
)

// markerCommand returns a shell line that prints the marker for token. code
// is usually "$?".
func markerCommand(token, code string) string {
	return fmt.Sprintf(`printf '\033]697;done;%%s;%%d\007' %s %s`, token, code)
}

// oneShotLine returns the lines written to the primary shell for command.
// The command runs through eval so the outer line always parses, and reads
// /dev/null so it cannot swallow the marker line queued behind it.
func oneShotLine(command, token string) string {
	return "eval " + tmpl.Quote(command) + " </dev/null\n" + markerCommand(token, "$?") + "\n"
}

type marker struct {
	token string
	code  int
}

// segment is either output data or a parsed marker.
type segment struct {
	data   []byte
	marker *marker
}

// markerScanner splits a byte stream into output and markers. Markers may be
// split across chunks.
type markerScanner struct {
	pending []byte
}

func (s *markerScanner) feed(chunk []byte) []segment {
	buf := append(s.pending, chunk...)
	s.pending = nil

	var out []segment
	emit := func(p []byte) {
		if len(p) > 0 {
			out = append(out, segment{data: bytes.Clone(p)})
		}
	}

	for len(buf) > 0 {
		idx := bytes.Index(buf, markerPrefix)
		if idx < 0 {
			keep := partialPrefix(buf)
			emit(buf[:len(buf)-keep])
			if keep > 0 {
				s.pending = bytes.Clone(buf[len(buf)-keep:])
			}
			return out
		}

		emit(buf[:idx])
		rest := buf[idx+len(markerPrefix):]
		end := bytes.IndexByte(rest, markerBEL)
		if end < 0 {
			if len(rest) > maxMarkerBody {
				emit(buf[idx : idx+len(markerPrefix)])
				buf = rest
				continue
			}
			s.pending = bytes.Clone(buf[idx:])
			return out
		}

		if m, ok := parseMarker(rest[:end]); ok {
			out = append(out, segment{marker: &m})
		} else {
			emit(buf[idx : idx+len(markerPrefix)+end+1])
		}
		buf = rest[end+1:]
	}
	return out
}

// flush returns any bytes held back waiting for a marker to complete.
func (s *markerScanner) flush() []byte {
	p := s.pending
	s.pending = nil
	return p
}

// partialPrefix returns the length of the longest suffix of buf that is a
// proper prefix of markerPrefix.
func partialPrefix(buf []byte) int {
	limit := min(len(markerPrefix)-1, len(buf))
	for n := limit; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], markerPrefix[:n]) {
			return n
		}
	}
	return 0
}

func parseMarker(body []byte) (marker, bool) {
	sep := bytes.LastIndexByte(body, ';')
	if sep <= 0 {
		return marker{}, false
	}
	code, err := strconv.Atoi(string(body[sep+1:]))
	if err != nil {
		return marker{}, false
	}
	return marker{token: string(body[:sep]), code: code}, true
}
