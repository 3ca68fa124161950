package ids

import (
	"strings"

	"github.com/kynetic/kbot/internal/kberr"
)

// PeerKind enumerates the two kinds of routing peer a SessionKey addresses.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerChannel PeerKind = "channel"
)

func (k PeerKind) valid() bool {
	return k == PeerUser || k == PeerChannel
}

// SessionKey is the immutable stable routing identifier described in
// spec.md §3: {agent, platform, peerKind, peerId}.
type SessionKey struct {
	Agent    string
	Platform string
	PeerKind PeerKind
	PeerID   string
}

const sessionKeyPrefix = "agent"

// Build serializes a SessionKey to its canonical string form
// "agent:{agent}:{platform}:{peerKind}:{peerId}".
func (k SessionKey) Build() string {
	return strings.Join([]string{
		sessionKeyPrefix, k.Agent, k.Platform, string(k.PeerKind), k.PeerID,
	}, ":")
}

func (k SessionKey) String() string { return k.Build() }

// ParseSessionKey parses the canonical string form back into a SessionKey.
// It is the left inverse of Build: ParseSessionKey(k.Build()) == k for any
// valid k (spec.md invariant 3).
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return SessionKey{}, kberr.NewValidationError("session_key", "5 colon-delimited segments", s)
	}
	if parts[0] != sessionKeyPrefix {
		return SessionKey{}, kberr.NewValidationError("session_key", "prefix \"agent\"", parts[0])
	}

	key := SessionKey{
		Agent:    parts[1],
		Platform: parts[2],
		PeerKind: PeerKind(parts[3]),
		PeerID:   parts[4],
	}
	if err := key.Validate(); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

// Validate rejects a SessionKey with any empty segment or an out-of-enum
// PeerKind.
func (k SessionKey) Validate() error {
	if k.Agent == "" {
		return kberr.NewValidationError("session_key.agent", "non-empty", "")
	}
	if k.Platform == "" {
		return kberr.NewValidationError("session_key.platform", "non-empty", "")
	}
	if !k.PeerKind.valid() {
		return kberr.NewValidationError("session_key.peer_kind", "user|channel", string(k.PeerKind))
	}
	if k.PeerID == "" {
		return kberr.NewValidationError("session_key.peer_id", "non-empty", "")
	}
	return nil
}
