// Package classify maps raw command text to an interaction mode.
//
// Classification is a pure function of the command text and the rule table.
// Rules are evaluated in order and the first match wins, so the built-in table
// is ordered fullscreen, then interactive-inline, then continuous-output.
// Anything unmatched is a one-shot command.
package classify

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode is how a command interacts with the terminal.
type Mode string

const (
	ModeOneShot    Mode = "one-shot"
	ModeContinuous Mode = "continuous-output"
	ModeFullscreen Mode = "interactive-fullscreen"
	ModeInline     Mode = "interactive-inline"
)

// AllModes lists every mode in precedence order.
var AllModes = []Mode{ModeFullscreen, ModeInline, ModeContinuous, ModeOneShot}

// ParseMode parses a mode name as written in configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOneShot, "oneshot":
		return ModeOneShot, nil
	case ModeContinuous, "continuous":
		return ModeContinuous, nil
	case ModeFullscreen, "fullscreen":
		return ModeFullscreen, nil
	case ModeInline, "inline":
		return ModeInline, nil
	}
	return "", fmt.Errorf("unknown interaction mode %q", s)
}

// NeedsProcess reports whether the mode runs on a dedicated channel instead of
// the primary shell.
func (m Mode) NeedsProcess() bool {
	return m != ModeOneShot && m != ""
}

// Process kinds. Kinds are descriptive tags used for icons and logs.
const (
	KindUnknown     = "unknown"
	KindCommand     = "command"
	KindEditor      = "editor"
	KindPager       = "pager"
	KindMonitor     = "monitor"
	KindMultiplexer = "multiplexer"
	KindFileManager = "file-manager"
	KindREPL        = "repl"
	KindAgent       = "agent"
	KindDevServer   = "dev-server"
	KindFollow      = "follow"
	KindWatch       = "watch"
)

var kindIcons = map[string]string{
	KindUnknown:     "?",
	KindCommand:     "$",
	KindEditor:      "✎",
	KindPager:       "☰",
	KindMonitor:     "▦",
	KindMultiplexer: "⧉",
	KindFileManager: "▤",
	KindREPL:        "❯",
	KindAgent:       "✦",
	KindDevServer:   "⚡",
	KindFollow:      "↓",
	KindWatch:       "↻",
}

// Icon returns the display icon for a process kind.
func Icon(kind string) string {
	if icon, ok := kindIcons[kind]; ok {
		return icon
	}
	return kindIcons[KindCommand]
}

// Result is the outcome of classifying a command.
type Result struct {
	Mode Mode   `json:"mode"`
	Kind string `json:"kind"`
	Icon string `json:"icon"`
}

// Classifier evaluates an ordered rule table.
type Classifier struct {
	rules []Rule
}

// New returns a classifier that evaluates custom rules before the built-in
// table.
func New(custom ...Rule) *Classifier {
	rules := make([]Rule, 0, len(custom)+len(builtin))
	rules = append(rules, custom...)
	rules = append(rules, builtin...)
	return &Classifier{rules: rules}
}

// Default returns a classifier using only the built-in table.
func Default() *Classifier {
	return New()
}

// Classify returns the interaction mode for a raw command line. Empty or
// whitespace-only input classifies as a one-shot command of unknown kind.
func (c *Classifier) Classify(command string) Result {
	cmd, ok := parse(command)
	if !ok {
		return Result{Mode: ModeOneShot, Kind: KindUnknown, Icon: Icon(KindUnknown)}
	}

	for _, r := range c.rules {
		if r.matches(cmd) {
			kind := r.Kind
			if kind == "" {
				kind = KindCommand
			}
			return Result{Mode: r.Mode, Kind: kind, Icon: Icon(kind)}
		}
	}

	return Result{Mode: ModeOneShot, Kind: KindCommand, Icon: Icon(KindCommand)}
}

// Rules returns a copy of the evaluated rule table.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// command is a tokenized command line.
type command struct {
	line string   // normalized line starting at the executable
	raw  string   // executable token as typed
	exe  string   // executable basename
	args []string // remaining tokens
}

// wrappers are prefixes that run the following command in the same terminal.
var wrappers = map[string]bool{
	"sudo":    true,
	"exec":    true,
	"time":    true,
	"nohup":   true,
	"command": true,
	"env":     true,
	"npx":     true,
}

func parse(line string) (command, bool) {
	fields := strings.Fields(line)

	i := 0
	for i < len(fields) {
		f := fields[i]
		if isAssignment(f) || wrappers[f] {
			i++
			continue
		}
		break
	}

	if i >= len(fields) {
		return command{}, false
	}

	fields = fields[i:]
	return command{
		line: strings.Join(fields, " "),
		raw:  fields[0],
		exe:  path.Base(fields[0]),
		args: fields[1:],
	}, true
}

func isAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range token[:eq] {
		if !(r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Rule matches a command and assigns it a mode. Every criterion that is set
// must hold; at least one of Names, Glob, or Pattern must be set.
type Rule struct {
	Mode Mode
	Kind string

	// Names matches the executable basename exactly.
	Names []string
	// Glob matches the executable token as typed, e.g. "**/bin/rails".
	Glob string
	// Pattern matches the normalized command line.
	Pattern *regexp.Regexp
	// Args must match the arguments joined by single spaces.
	Args *regexp.Regexp
	// Exclude rejects the command when it matches the normalized line.
	Exclude *regexp.Regexp
}

// Validate reports whether the rule can ever match.
func (r Rule) Validate() error {
	if len(r.Names) == 0 && r.Glob == "" && r.Pattern == nil {
		return fmt.Errorf("rule needs names, glob, or pattern")
	}
	if r.Glob != "" && !doublestar.ValidatePattern(r.Glob) {
		return fmt.Errorf("invalid glob %q", r.Glob)
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return err
	}
	return nil
}

func (r Rule) matches(c command) bool {
	if len(r.Names) > 0 && !contains(r.Names, c.exe) {
		return false
	}
	if r.Glob != "" {
		ok, err := doublestar.Match(r.Glob, c.raw)
		if err != nil || !ok {
			return false
		}
	}
	if r.Pattern != nil && !r.Pattern.MatchString(c.line) {
		return false
	}
	if r.Args != nil && !r.Args.MatchString(strings.Join(c.args, " ")) {
		return false
	}
	if r.Exclude != nil && r.Exclude.MatchString(c.line) {
		return false
	}
	return len(r.Names) > 0 || r.Glob != "" || r.Pattern != nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
