package protocol

import (
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }
func i64Ptr(v int64) *int64 { return &v }

func TestValidateCommand(t *testing.T) {
	longID := strings.Repeat("x", MaxIDLen+1)

	cases := []struct {
		name    string
		cmd     Command
		wantErr string
	}{
		{"missing type", Command{}, "missing command type"},
		{"unknown type", Command{Type: "frobnicate"}, "unknown command type"},
		{"valid server command", Command{Type: CmdListSessions}, ""},
		{"valid session command", Command{Type: CmdGetState, SessionID: "s1"}, ""},
		{"session command without id", Command{Type: CmdPrompt}, "requires a sessionId"},
		{"long command id", Command{Type: CmdListSessions, ID: longID}, "exceeds 256 bytes"},
		{"reserved id prefix", Command{Type: CmdListSessions, ID: "anon:1:1"}, "reserved prefix"},
		{"long idempotency key", Command{Type: CmdListSessions, IdempotencyKey: longID}, "idempotency key exceeds"},
		{"version on server command", Command{Type: CmdListSessions, IfSessionVersion: i64Ptr(1)}, "not valid on non-session command"},
		{"negative version", Command{Type: CmdGetState, SessionID: "s1", IfSessionVersion: i64Ptr(-1)}, "must be >= 0"},
		{"version fence ok", Command{Type: CmdSetModel, SessionID: "s1", Model: "opus", IfSessionVersion: i64Ptr(0)}, ""},
		{"dependsOn without id", Command{Type: CmdGetState, SessionID: "s1", DependsOn: []string{"a"}}, "requires an explicit command id"},
		{"empty dependency", Command{Type: CmdGetState, ID: "c1", SessionID: "s1", DependsOn: []string{""}}, "empty id"},
		{"too many dependencies", Command{Type: CmdGetState, ID: "c1", SessionID: "s1", DependsOn: make([]string, MaxDependsOn+1)}, ""},
		{"bad session id char", Command{Type: CmdGetState, SessionID: "a/b"}, "invalid character"},
		{"path traversal", Command{Type: CmdCreateSession, SessionID: "s1", WorkingDir: "/tmp/../etc"}, "traversal"},
		{"tilde path", Command{Type: CmdCreateSession, SessionID: "s1", WorkingDir: "~/work"}, "must not start with ~"},
		{"bad thinking level", Command{Type: CmdSetThinkingLevel, SessionID: "s1", ThinkingLevel: "max"}, "invalid thinking level"},
		{"good thinking level", Command{Type: CmdSetThinkingLevel, SessionID: "s1", ThinkingLevel: "high"}, ""},
		{"set_model without model", Command{Type: CmdSetModel, SessionID: "s1"}, "requires a model"},
		{"bash without command", Command{Type: CmdBash, SessionID: "s1"}, "requires a command"},
		{"ui response without request id", Command{Type: CmdExtensionUIResp}, "requires a requestId"},
		{"toggle without flag", Command{Type: CmdSetAutoRetry, SessionID: "s1"}, "requires an enabled flag"},
		{"toggle with flag", Command{Type: CmdSetAutoRetry, SessionID: "s1", Enabled: boolPtr(true)}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// The oversized dependsOn case needs non-empty entries so the
			// count check is what fires.
			if tc.name == "too many dependencies" {
				for i := range tc.cmd.DependsOn {
					tc.cmd.DependsOn[i] = "dep"
				}
				tc.cmd.ID = "c1"
				tc.wantErr = "dependsOn exceeds"
			}
			got := ValidateCommand(&tc.cmd)
			if tc.wantErr == "" {
				if got != "" {
					t.Fatalf("expected valid, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, got)
			}
		})
	}
}

func TestParseCommandRetainsRaw(t *testing.T) {
	data := []byte(`{"type":"prompt","sessionId":"s1","text":"hi","extra":42}`)
	cmd, err := ParseCommand(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Type != "prompt" || cmd.SessionID != "s1" || cmd.Text != "hi" {
		t.Fatalf("unexpected decode: %+v", cmd)
	}
	if string(cmd.Raw) != string(data) {
		t.Fatalf("raw frame not retained")
	}
}

func TestResponseWithID(t *testing.T) {
	orig := &Response{Type: "response", Command: "prompt", ID: "a", Success: true}
	dup := orig.WithID("b")
	if dup.ID != "b" || !dup.Replayed {
		t.Fatalf("WithID: got id=%q replayed=%v", dup.ID, dup.Replayed)
	}
	if orig.ID != "a" || orig.Replayed {
		t.Fatalf("original mutated: %+v", orig)
	}
	stripped := orig.WithID("")
	if stripped.ID != "" || !stripped.Replayed {
		t.Fatalf("WithID empty: %+v", stripped)
	}
}

func TestSpecTaxonomy(t *testing.T) {
	spec, ok := Spec(CmdPrompt)
	if !ok || !spec.SessionScoped || !spec.Mutating || !spec.ModelFacing {
		t.Fatalf("prompt spec: %+v ok=%v", spec, ok)
	}
	if spec.Abort != AbortGeneration {
		t.Fatalf("prompt abort kind: %q", spec.Abort)
	}
	spec, _ = Spec(CmdGetState)
	if spec.Mutating || spec.ModelFacing {
		t.Fatalf("get_state must not mutate: %+v", spec)
	}
	if _, ok := Spec("nope"); ok {
		t.Fatal("unknown type reported as known")
	}
}
