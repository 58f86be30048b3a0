// Package sip implements RFC 3261 transactions on top of a pluggable
// message transport.
package sip

//go:generate go tool mockgen -destination ../internal/testutil/sipmock/transport.go -package sipmock github.com/sipward/sipward/sip Transport

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// MagicCookie marks Via branch parameters generated by RFC 3261 elements.
	MagicCookie = "z9hG4bK"

	ProtoSIP20 = "SIP/2.0"
)

// Transport names as they appear in the Via sent-protocol field.
const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"
)

// IsRFC3261Branch reports whether the branch value starts with the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new RFC 3261 branch value, unique across space and time.
func GenerateBranch() string {
	return MagicCookie + "-" + uuid.NewString()
}
