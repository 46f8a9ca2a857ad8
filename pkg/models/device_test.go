package models

import (
	"testing"
	"time"
)

func TestSecurityLevel_Covers(t *testing.T) {
	tests := []struct {
		name     string
		grant    SecurityLevel
		required SecurityLevel
		want     bool
	}{
		{"read covers read", SecurityRead, SecurityRead, true},
		{"read does not cover write", SecurityRead, SecurityWrite, false},
		{"read does not cover sign", SecurityRead, SecuritySign, false},
		{"write covers read", SecurityWrite, SecurityRead, true},
		{"write covers write", SecurityWrite, SecurityWrite, true},
		{"write does not cover sign", SecurityWrite, SecuritySign, false},
		{"sign covers read", SecuritySign, SecurityRead, true},
		{"sign covers write", SecuritySign, SecurityWrite, true},
		{"sign covers sign", SecuritySign, SecuritySign, true},
		{"unknown grant covers nothing", SecurityLevel("admin"), SecurityRead, false},
		{"unknown requirement never covered", SecuritySign, SecurityLevel("root"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.grant.Covers(tt.required); got != tt.want {
				t.Errorf("%q.Covers(%q) = %v, want %v", tt.grant, tt.required, got, tt.want)
			}
		})
	}
}

func TestSecurityLevel_Valid(t *testing.T) {
	for _, l := range []SecurityLevel{SecurityRead, SecurityWrite, SecuritySign} {
		if !l.Valid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if SecurityLevel("superuser").Valid() {
		t.Error("unknown level should be invalid")
	}
}

func TestDefaultScope(t *testing.T) {
	s := DefaultScope()
	if s.Tools != SecurityRead {
		t.Errorf("Tools = %q, want %q", s.Tools, SecurityRead)
	}
	if s.System || s.MCP {
		t.Errorf("System/MCP = %v/%v, want false/false", s.System, s.MCP)
	}
}

func TestDevice_Revoked(t *testing.T) {
	d := Device{DeviceID: "dev-1", PairedAt: time.Now()}
	if d.Revoked() {
		t.Error("device without RevokedAt should not be revoked")
	}

	now := time.Now()
	d.RevokedAt = &now
	if !d.Revoked() {
		t.Error("device with RevokedAt should be revoked")
	}
}

func TestEvent_Expired(t *testing.T) {
	now := time.Now()

	e := Event{ID: 1, Message: "hi"}
	if e.Expired(now) {
		t.Error("event without expiry should never expire")
	}

	past := now.Add(-time.Minute)
	e.ExpiresAt = &past
	if !e.Expired(now) {
		t.Error("event past expiry should be expired")
	}

	future := now.Add(time.Minute)
	e.ExpiresAt = &future
	if e.Expired(now) {
		t.Error("event before expiry should not be expired")
	}

	exact := now
	e.ExpiresAt = &exact
	if !e.Expired(now) {
		t.Error("event expiring exactly now should be expired")
	}
}
