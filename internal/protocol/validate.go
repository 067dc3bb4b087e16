package protocol

import (
	"fmt"
	"strings"
)

// ValidateCommand checks a decoded command against the structural rules.
// It returns a human-readable error string, or "" when the command is
// valid. Validation failures never consume rate quota, so this runs before
// any admission decision.
func ValidateCommand(cmd *Command) string {
	if cmd.Type == "" {
		return "missing command type"
	}
	spec, known := Spec(cmd.Type)
	if !known {
		return fmt.Sprintf("unknown command type %q", cmd.Type)
	}

	if len(cmd.ID) > MaxIDLen {
		return "command id exceeds 256 bytes"
	}
	if strings.HasPrefix(cmd.ID, AnonPrefix) {
		return fmt.Sprintf("command id uses reserved prefix %q", AnonPrefix)
	}
	if len(cmd.IdempotencyKey) > MaxIDLen {
		return "idempotency key exceeds 256 bytes"
	}

	if spec.SessionScoped {
		if cmd.SessionID == "" {
			return fmt.Sprintf("command %q requires a sessionId", cmd.Type)
		}
	} else if cmd.IfSessionVersion != nil {
		return fmt.Sprintf("ifSessionVersion is not valid on non-session command %q", cmd.Type)
	}
	if cmd.SessionID != "" {
		if msg := ValidateSessionID(cmd.SessionID); msg != "" {
			return msg
		}
	}

	if cmd.IfSessionVersion != nil && *cmd.IfSessionVersion < 0 {
		return "ifSessionVersion must be >= 0"
	}

	if len(cmd.DependsOn) > 0 {
		if cmd.ID == "" {
			return "dependsOn requires an explicit command id"
		}
		if len(cmd.DependsOn) > MaxDependsOn {
			return fmt.Sprintf("dependsOn exceeds %d entries", MaxDependsOn)
		}
		for _, dep := range cmd.DependsOn {
			if dep == "" {
				return "dependsOn contains an empty id"
			}
			if len(dep) > MaxIDLen {
				return "dependsOn id exceeds 256 bytes"
			}
		}
	}

	// Path-bearing fields.
	for _, p := range []string{cmd.WorkingDir, cmd.Path} {
		if p == "" {
			continue
		}
		if msg := ValidatePath(p); msg != "" {
			return msg
		}
	}

	// Type-specific payload rules.
	switch cmd.Type {
	case CmdSetThinkingLevel:
		if !ValidThinkingLevel(cmd.ThinkingLevel) {
			return fmt.Sprintf("invalid thinking level %q (expected one of %s)",
				cmd.ThinkingLevel, strings.Join(ThinkingLevels, ", "))
		}
	case CmdSetModel:
		if cmd.Model == "" {
			return "set_model requires a model"
		}
	case CmdBash:
		if cmd.Command == "" {
			return "bash requires a command"
		}
	case CmdExtensionUIResp:
		if cmd.RequestID == "" {
			return "extension_ui_response requires a requestId"
		}
	case CmdSwitchSessionFile:
		if cmd.Path == "" {
			return "switch_session_file requires a path"
		}
	case CmdSetAutoCompaction, CmdSetAutoRetry:
		if cmd.Enabled == nil {
			return fmt.Sprintf("%s requires an enabled flag", cmd.Type)
		}
	}

	return ""
}

// ValidateSessionID rejects empty ids, ids over 256 bytes, and characters
// outside [A-Za-z0-9_.-].
func ValidateSessionID(id string) string {
	if id == "" {
		return "sessionId must not be empty"
	}
	if len(id) > MaxIDLen {
		return "sessionId exceeds 256 bytes"
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return fmt.Sprintf("sessionId contains invalid character %q", string(c))
		}
	}
	return ""
}

// ValidatePath rejects traversal sequences, a leading ~, null bytes, and
// paths over 4096 bytes.
func ValidatePath(p string) string {
	if len(p) > MaxPathLen {
		return "path exceeds 4096 bytes"
	}
	if strings.Contains(p, "..") {
		return "path contains a traversal sequence"
	}
	if strings.HasPrefix(p, "~") {
		return "path must not start with ~"
	}
	if strings.ContainsRune(p, 0) {
		return "path contains a null byte"
	}
	return ""
}
