package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/session"
	"github.com/hay-kot/pocket/internal/session/shelltest"
	"github.com/hay-kot/pocket/internal/transport"
)

func TestBatchInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   BatchInput
		wantErr string
	}{
		{
			name:    "empty commands",
			input:   BatchInput{Commands: []BatchCommand{}},
			wantErr: "commands",
		},
		{
			name: "blank command",
			input: BatchInput{Commands: []BatchCommand{
				{Name: "noop", Command: "   "},
			}},
			wantErr: "command",
		},
		{
			name: "duplicate names",
			input: BatchInput{Commands: []BatchCommand{
				{Name: "build", Command: "make"},
				{Name: "build", Command: "make test"},
			}},
			wantErr: "duplicate",
		},
		{
			name: "invalid target",
			input: BatchInput{Target: "bad name", Commands: []BatchCommand{
				{Command: "uptime"},
			}},
			wantErr: "target",
		},
		{
			name: "undefined var",
			input: BatchInput{Commands: []BatchCommand{
				{Command: "tail {{ .log }}"},
			}},
			wantErr: "commands[0].command",
		},
		{
			name: "valid input",
			input: BatchInput{Target: "local", Commands: []BatchCommand{
				{Name: "build", Command: "make"},
				{Command: "make test"},
			}},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("expected error containing %q, got nil", tt.wantErr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestBatchInput_Rendered(t *testing.T) {
	input := BatchInput{
		Vars: map[string]string{"file": "my notes.txt"},
		Commands: []BatchCommand{
			{Name: "count", Command: "wc -l {{ shq .file }}"},
			{Command: "uptime"},
		},
	}
	if err := input.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	got := input.rendered()
	if got[0].Command != "wc -l 'my notes.txt'" || got[0].Name != "count" {
		t.Errorf("unexpected rendered command: %+v", got[0])
	}
	if got[1].Command != "uptime" {
		t.Errorf("expected plain command unchanged, got %q", got[1].Command)
	}
}

func TestDecodeBatchInput(t *testing.T) {
	input, err := decodeBatchInput(strings.NewReader(`{
		"target": "prod",
		"commands": [
			{"name": "kernel", "command": "uname -a"},
			{"command": "df -h"}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if input.Target != "prod" {
		t.Errorf("expected target 'prod', got %q", input.Target)
	}
	if len(input.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(input.Commands))
	}
	if input.Commands[0].Name != "kernel" || input.Commands[1].Command != "df -h" {
		t.Errorf("unexpected commands: %+v", input.Commands)
	}

	if _, err := decodeBatchInput(strings.NewReader("{")); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

// connectedExecutor returns an executor on a session connected to the
// scripted shell.
func connectedExecutor(t *testing.T) *executor {
	t.Helper()

	opts := session.DefaultOptions()
	opts.Welcome = false
	opts.GracePeriod = 100 * time.Millisecond
	opts.InitTimeout = time.Second

	sess := session.New(zerolog.Nop(), shelltest.NewDialer(), classify.Default(), opts)
	events, unsubscribe := sess.Events()
	t.Cleanup(func() {
		unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Connect(ctx, transport.Local("")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	return &executor{sess: sess, events: events}
}

func TestRunBatch(t *testing.T) {
	exec := connectedExecutor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := runBatch(ctx, zerolog.Nop(), exec, []BatchCommand{
		{Name: "greet", Command: "echo hi"},
		{Command: "false"},
		{Command: "vim notes.txt"},
		{Command: "nope"},
		{Command: "echo never"},
	})

	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	first := results[0]
	if first.Status != string(block.StatusSucceeded) || first.Output != "hi\r\n" || first.Name != "greet" {
		t.Errorf("unexpected first result: %+v", first)
	}
	if first.ExitCode == nil || *first.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", first.ExitCode)
	}

	if results[1].Status != string(block.StatusFailed) || results[1].ExitCode == nil || *results[1].ExitCode != 1 {
		t.Errorf("expected false to fail with 1, got %+v", results[1])
	}

	if results[2].Status != StatusRejected || results[2].BlockID != 0 {
		t.Errorf("expected vim to be rejected without a block, got %+v", results[2])
	}

	if results[3].ExitCode == nil || *results[3].ExitCode != 127 {
		t.Errorf("expected unknown command to exit 127, got %+v", results[3])
	}

	if results[4].Status != StatusSkipped {
		t.Errorf("expected command after three failures to be skipped, got %q", results[4].Status)
	}

	if got := countByStatus(results, string(block.StatusFailed)); got != 2 {
		t.Errorf("expected 2 failed results, got %d", got)
	}
}

func TestExecutor_CancelsOnContext(t *testing.T) {
	exec := connectedExecutor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	b, err := exec.execute(ctx, "sleep 10")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if b.Status != block.StatusCancelled {
		t.Errorf("expected cancelled block, got %s", b.Status)
	}
	if code := exitCode(b); code != 130 {
		t.Errorf("expected exit code 130, got %d", code)
	}
}

func TestExecutor_StreamsOutput(t *testing.T) {
	exec := connectedExecutor(t)
	var out strings.Builder
	exec.stream = &out

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := exec.execute(ctx, "ls"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.String() != "a.txt\r\nb.txt\r\n" {
		t.Errorf("unexpected streamed output %q", out.String())
	}
}

func TestCheckScriptable(t *testing.T) {
	exec := connectedExecutor(t)

	tests := []struct {
		command     string
		interactive bool
	}{
		{"ls -la", false},
		{"tail -f app.log", false},
		{"vim main.go", true},
		{"python3", true},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			err := checkScriptable(exec.sess, tt.command)
			if got := errors.Is(err, errInteractive); got != tt.interactive {
				t.Errorf("checkScriptable(%q) = %v, want interactive %v", tt.command, err, tt.interactive)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	two := 2
	tests := []struct {
		name string
		b    block.Block
		want int
	}{
		{"explicit", block.Block{Status: block.StatusFailed, ExitCode: &two}, 2},
		{"succeeded", block.Block{Status: block.StatusSucceeded}, 0},
		{"cancelled", block.Block{Status: block.StatusCancelled}, 130},
		{"failed", block.Block{Status: block.StatusFailed}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.b); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
