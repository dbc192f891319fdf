package validate

import (
	"testing"
)

func TestCommandText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple command", "ls", false},
		{"with args", "ls -la /tmp", false},
		{"empty string", "", true},
		{"only spaces", "   ", true},
		{"only tabs and newline", "\t\t\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CommandText(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandText(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestTargetName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "prod-db", false},
		{"empty", "", true},
		{"spaces", "prod db", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TargetName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("TargetName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
