// Package model holds the data types shared across the SSH transport
// manager, the SOCKS5 and HTTP front-ends, and the lifecycle
// supervisor: Endpoint, Credential, SessionConfig (spec.md §3).
package model

import (
	"fmt"
	"net"
)

// Endpoint is a host/port pair. Host may be a dotted/colon literal or
// a DNS name; resolution policy is defined per consumer — the SSH
// transport manager never resolves it locally (spec.md §4.B).
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// Credential carries either a password or a private key (optionally
// passphrase-protected). It is a tagged variant in spirit: normally
// exactly one of Password/KeyPath is set. Both MAY be set at once,
// in which case the SSH transport manager tries the key first and
// falls back to the password (spec.md §4.B) rather than rejecting
// the combination outright.
type Credential struct {
	Password      string
	KeyPath       string
	KeyPassphrase string
}

// HasKey reports whether this credential carries a private key.
func (c Credential) HasKey() bool { return c.KeyPath != "" }

// HasPassword reports whether this credential carries a password.
func (c Credential) HasPassword() bool { return c.Password != "" }

// JumpConfig describes an intermediate SSH hop used only to reach the
// target's SSH port (spec.md GLOSSARY: Jump host).
type JumpConfig struct {
	Endpoint   Endpoint
	User       string
	Credential Credential
}

// SessionConfig is the full set of parameters needed to establish one
// tunnel session (spec.md §3). Invariant: if Jump is non-nil, its
// Endpoint and Credential are validated identically to the target's
// (see Validate).
type SessionConfig struct {
	Target            Endpoint
	TargetUser        string
	TargetCredential  Credential
	Jump              *JumpConfig
	SocksPort         uint16
	HTTPPort          uint16
	ManageSystemProxy bool

	// KnownHostsMode and KnownHostsPath implement the REDESIGN FLAG
	// opt-in strict host-key checking (SPEC_FULL.md §4.B); the
	// default (false) preserves the original's insecure-by-default
	// behavior.
	KnownHostsMode bool
	KnownHostsPath string
}

// Validate checks the invariants spec.md §3 requires before a
// SessionConfig is handed to the transport manager.
func (c SessionConfig) Validate() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if c.TargetUser == "" {
		return fmt.Errorf("target user is required")
	}
	if !c.TargetCredential.HasPassword() && !c.TargetCredential.HasKey() {
		return fmt.Errorf("target credential requires a password or a key")
	}
	if c.Jump != nil {
		if c.Jump.Endpoint.Host == "" {
			return fmt.Errorf("jump host is required when jump is configured")
		}
		if c.Jump.User == "" {
			return fmt.Errorf("jump user is required when jump is configured")
		}
		if !c.Jump.Credential.HasPassword() && !c.Jump.Credential.HasKey() {
			return fmt.Errorf("jump credential requires a password or a key")
		}
	}
	if c.SocksPort == 0 {
		return fmt.Errorf("socks port is required")
	}
	if c.HTTPPort == 0 {
		return fmt.Errorf("http port is required")
	}
	return nil
}
