package helpers

import "strings"

const redacted = "[REDACTED]"

// MaskSensitive redacts credentials from a protocol trace line when command
// is one of sensitiveCommands. The command and its first argument (the SASL
// mechanism for AUTHENTICATE) are kept, everything after them is replaced.
//
//	AUTHENTICATE "PLAIN" "AHUAcA=="  ->  AUTHENTICATE "PLAIN" [REDACTED]
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return redacted
	}

	keep := cmdIndex + 2
	if len(parts) <= keep {
		return line
	}
	return strings.Join(parts[:keep], " ") + " " + redacted
}
