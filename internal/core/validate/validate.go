// Package validate provides shared validation functions.
package validate

import (
	"fmt"
	"strings"
)

// CommandText validates a submitted command is non-empty after trimming whitespace.
func CommandText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

// TargetName validates a configured target name. Names appear on the command
// line, so they may not contain whitespace or path separators.
func TargetName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, " \t\r\n/\\") {
		return fmt.Errorf("name %q may not contain whitespace or slashes", name)
	}
	return nil
}
