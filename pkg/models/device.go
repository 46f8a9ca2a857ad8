package models

import "time"

// SecurityLevel classifies how much damage a tool can do.
//
// Levels form an ordered ladder: read < write < sign. A device scope or a
// policy granting one level also grants every level below it.
type SecurityLevel string

const (
	SecurityRead  SecurityLevel = "read"
	SecurityWrite SecurityLevel = "write"
	SecuritySign  SecurityLevel = "sign"
)

var securityRank = map[SecurityLevel]int{
	SecurityRead:  0,
	SecurityWrite: 1,
	SecuritySign:  2,
}

// Valid reports whether the level is one of the known values.
func (l SecurityLevel) Valid() bool {
	_, ok := securityRank[l]
	return ok
}

// Covers reports whether a grant of level l satisfies a requirement of level
// required. Unknown levels never cover anything and are never covered.
func (l SecurityLevel) Covers(required SecurityLevel) bool {
	lr, ok := securityRank[l]
	if !ok {
		return false
	}
	rr, ok := securityRank[required]
	if !ok {
		return false
	}
	return lr >= rr
}

// Scope is the capability set of a paired device.
type Scope struct {
	Tools  SecurityLevel `json:"tools"`
	System bool          `json:"system"`
	MCP    bool          `json:"mcp"`
}

// DefaultScope is the scope assigned on approval when none is supplied.
func DefaultScope() Scope {
	return Scope{Tools: SecurityRead, System: false, MCP: false}
}

// Device is an HTTP peer paired with the gateway. The raw token is returned
// exactly once at approval; only its hash is stored.
type Device struct {
	DeviceID   string     `json:"device_id"`
	TokenHash  string     `json:"-"`
	Scope      Scope      `json:"scope"`
	PairedAt   time.Time  `json:"paired_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the device has been revoked.
func (d *Device) Revoked() bool {
	return d.RevokedAt != nil
}

// PairingRequest is a pending pairing awaiting admin approval.
type PairingRequest struct {
	DeviceID    string    `json:"device_id"`
	RequestedAt time.Time `json:"requested_at"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}
