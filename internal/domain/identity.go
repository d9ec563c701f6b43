package domain

import "strings"

// Identity is a normalized phone-number-like caller identifier (digits only).
// The empty Identity means the caller could not be identified.
type Identity string

const (
	minIdentityDigits = 8
	maxIdentityDigits = 15
)

// NormalizeIdentity converts a raw transport address into an Identity.
// Transport suffixes ("@s.whatsapp.net", ":12" device markers) are dropped,
// every non-digit is removed and the result must be 8 to 15 digits long.
// Anything else yields the empty Identity.
func NormalizeIdentity(raw string) Identity {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minIdentityDigits || len(digits) > maxIdentityDigits {
		return ""
	}
	return Identity(digits)
}

// IdentityOf derives the caller identity from a message. The first non-empty
// field among Sender, Participant and RemoteJID is normalized; later fields
// are not consulted even if the chosen one fails normalization.
func IdentityOf(msg InboundMessage) Identity {
	for _, field := range []string{msg.Sender, msg.Participant, msg.RemoteJID} {
		if strings.TrimSpace(field) != "" {
			return NormalizeIdentity(field)
		}
	}
	return ""
}

// IsZero reports whether the identity is empty.
func (id Identity) IsZero() bool { return id == "" }

func (id Identity) String() string { return string(id) }
