// Package shelltest provides a scripted shell that speaks the completion
// marker protocol over in-memory channels.
package shelltest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hay-kot/pocket/internal/transport"
)

var (
	markerLine = regexp.MustCompile(`^printf '\\033\]697;done;%s;%d\\007' (\S+) (\S+)$`)
	evalLine   = regexp.MustCompile(`^eval '(.*)' </dev/null$`)
)

// Shell interprets a handful of commands written to a MemoryChannel:
//
//	echo ARGS   prints ARGS, exits 0
//	true/false  exit 0/1
//	ls          prints Files, exits 0
//	sleep       runs until interrupted, exits 130
//	exit [N]    ends the channel with N
//
// Anything else prints "not found" and exits 127.
type Shell struct {
	Files []string

	ch *transport.MemoryChannel

	mu       sync.Mutex
	buf      []byte
	last     int
	busy     bool
	exited   bool
	commands []string
}

// Attach installs a shell on ch.
func Attach(ch *transport.MemoryChannel) *Shell {
	s := &Shell{ch: ch, Files: []string{"a.txt", "b.txt"}}
	ch.OnWrite = func(_ *transport.MemoryChannel, p []byte) { s.write(p) }
	return s
}

// Commands returns the command lines executed so far, excluding markers.
func (s *Shell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Busy reports whether a sleep is in progress.
func (s *Shell) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Shell) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range p {
		if s.exited {
			return
		}
		switch b {
		case 0x03:
			// the tty discards unread input on interrupt
			s.buf = nil
			if s.busy {
				s.busy = false
				s.last = 130
				s.ch.EmitString("^C\r\n")
			}
		case '\n':
			line := string(s.buf)
			s.buf = nil
			if !s.busy {
				s.exec(line)
			}
		default:
			s.buf = append(s.buf, b)
		}
	}
}

func (s *Shell) exec(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "stty ") {
		return
	}

	if m := markerLine.FindStringSubmatch(line); m != nil {
		code := s.last
		if m[2] != "$?" {
			code, _ = strconv.Atoi(m[2])
		}
		s.ch.EmitString(fmt.Sprintf("\x1b]697;done;%s;%d\x07", m[1], code))
		return
	}

	if m := evalLine.FindStringSubmatch(line); m != nil {
		line = strings.ReplaceAll(m[1], `'\''`, "'")
	}

	s.commands = append(s.commands, line)
	fields := strings.Fields(line)
	switch fields[0] {
	case "echo":
		s.ch.EmitString(strings.Join(fields[1:], " ") + "\r\n")
		s.last = 0
	case "true":
		s.last = 0
	case "false":
		s.last = 1
	case "ls":
		for _, f := range s.Files {
			s.ch.EmitString(f + "\r\n")
		}
		s.last = 0
	case "sleep":
		s.busy = true
	case "exit":
		code := 0
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		s.exited = true
		go s.ch.Finish(code)
	default:
		s.ch.EmitString(fmt.Sprintf("sh: %s: not found\r\n", fields[0]))
		s.last = 127
	}
}

// Process is a stand-in for a program running on its own channel. It echoes
// input lines back and exits with 130 on interrupt.
type Process struct {
	ch *transport.MemoryChannel

	mu    sync.Mutex
	input []byte
}

// AttachProcess installs a process on ch.
func AttachProcess(ch *transport.MemoryChannel) *Process {
	p := &Process{ch: ch}
	ch.OnWrite = func(_ *transport.MemoryChannel, b []byte) { p.write(b) }
	return p
}

// Input returns everything written to the process.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

func (p *Process) write(b []byte) {
	p.mu.Lock()
	p.input = append(p.input, b...)
	p.mu.Unlock()

	for _, c := range b {
		if c == 0x03 {
			go p.ch.Finish(130)
			return
		}
	}
	p.ch.Emit(b)
}

// Dialer opens shells for primary channels and processes for command
// channels, keeping track of both.
type Dialer struct {
	*transport.MemoryDialer

	mu        sync.Mutex
	shells    []*Shell
	processes map[string]*Process
	delays    map[string]time.Duration
}

// NewDialer returns a Dialer ready for use.
func NewDialer() *Dialer {
	d := &Dialer{
		processes: make(map[string]*Process),
		delays:    make(map[string]time.Duration),
	}
	d.MemoryDialer = &transport.MemoryDialer{
		Handler: func(ctx context.Context, target transport.Target, opts transport.OpenOptions) (*transport.MemoryChannel, error) {
			d.mu.Lock()
			delay := d.delays[opts.Command]
			d.mu.Unlock()
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, transport.ClassifyDialError(ctx.Err())
				}
			}

			ch := transport.NewMemoryChannel(target.Mode)
			d.mu.Lock()
			defer d.mu.Unlock()
			if opts.Command == "" {
				d.shells = append(d.shells, Attach(ch))
			} else {
				d.processes[opts.Command] = AttachProcess(ch)
			}
			return ch, nil
		},
	}
	return d
}

// SetDelay makes dials for command take d, or until the dial is cancelled.
func (d *Dialer) SetDelay(command string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[command] = delay
}

// Shell returns the i-th primary shell opened.
func (d *Dialer) Shell(i int) *Shell {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.shells) {
		return nil
	}
	return d.shells[i]
}

// Shells returns the number of primary shells opened.
func (d *Dialer) Shells() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shells)
}

// Process returns the most recent process opened for command.
func (d *Dialer) Process(command string) *Process {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processes[command]
}

// Channel returns the channel behind a shell or process.
func (s *Shell) Channel() *transport.MemoryChannel { return s.ch }

// Channel returns the channel behind the process.
func (p *Process) Channel() *transport.MemoryChannel { return p.ch }
