package replay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/joestump/agentmux/internal/protocol"
)

// Fingerprint is a stable digest over a command's semantic content plus the
// canonical form it was computed from. The canonical form is retained for
// full-equality tie-breaking so conflict detection stays correct even under
// a hash collision.
type Fingerprint struct {
	Digest    string
	Canonical string
}

// Equal reports semantic equality: digest match confirmed by canonical
// bytes.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Digest == other.Digest && f.Canonical == other.Canonical
}

// CommandFingerprint computes the fingerprint of a command: a SHA-256 over
// a canonical JSON rendering of every field except the command id and the
// idempotency key. Those two fields carry retry identity, not semantics — a
// retried command with a fresh key but identical content must match the
// cached outcome rather than conflict with it.
func CommandFingerprint(cmd *protocol.Command) (Fingerprint, error) {
	raw := []byte(cmd.Raw)
	if len(raw) == 0 {
		// Commands constructed in-process have no wire form; marshal the
		// struct instead.
		var err error
		raw, err = json.Marshal(cmd)
		if err != nil {
			return Fingerprint{}, err
		}
	}

	// Decode into generic values so nested objects are normalized too.
	// UseNumber preserves numeric literals instead of coercing to float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Fingerprint{}, err
	}
	delete(fields, "id")
	delete(fields, "idempotencyKey")

	// encoding/json renders map keys in sorted order at every nesting
	// level, which normalizes the client's field ordering. Unspecified
	// fields are simply absent.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return Fingerprint{}, err
	}

	sum := sha256.Sum256(canonical)
	return Fingerprint{
		Digest:    hex.EncodeToString(sum[:]),
		Canonical: string(canonical),
	}, nil
}
