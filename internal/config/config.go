// Package config loads the per-role TOML configuration files for the
// three binaries. Parsing itself is ambient plumbing, not a feature:
// no validation beyond what is needed to start the named role, mirrors
// gosuda-portal's flag-default-from-env approach but as a static file
// per the teacher's own per-transport state files (see
// transports/obfs4/statefile.go for the shape of "parse a small config
// blob, fail loudly on a malformed one").
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// StageConfig is one obfuscator layer in a wire chain, config-editable
// as an array-of-tables; the chain is built innermost (closest to the
// raw TCP dial/listen) first, outermost (closest to the wire an
// observer sees) last.
type StageConfig struct {
	Kind      string `toml:"kind"` // sosistab3, plain_tls, meeklike, hex, substitution, conn_test
	Cookie    string `toml:"cookie,omitempty"`
	SNI       string `toml:"sni,omitempty"`
	Key       string `toml:"key,omitempty"`
	Table     string `toml:"table,omitempty"` // 256 hex-encoded bytes
	PingCount int    `toml:"ping_count,omitempty"`
}

// FakeDNSConfig controls the client's synthetic-address DNS responder.
type FakeDNSConfig struct {
	Enabled          bool     `toml:"enabled"`
	PassthroughChina bool     `toml:"passthrough_china"`
	ChinaDomains     []string `toml:"china_domains"`
	UpstreamDNS      string   `toml:"upstream_dns"`
}

// DirectExitConfig lets a client bypass the broker entirely and dial a
// named exit by address and pinned verify key, per spec.md's §8 direct
// exit test scenario.
type DirectExitConfig struct {
	Addr      string        `toml:"addr"`
	PubKeyHex string        `toml:"pubkey"`
	Stages    []StageConfig `toml:"stages"`
}

// ExitConstraintConfig mirrors session.Constraint in a TOML-friendly
// shape (Kind as a string tag instead of an enum).
type ExitConstraintConfig struct {
	Kind  string `toml:"kind"` // auto, direct, country, country_city, hostname
	Value string `toml:"value,omitempty"`
	CC    string `toml:"cc,omitempty"`
	City  string `toml:"city,omitempty"`
}

// ClientConfig is the vpn-client role's configuration file.
type ClientConfig struct {
	LogLevel    string `toml:"log_level"`
	DataDir     string `toml:"data_dir"`
	SocksListen string `toml:"socks_listen"`
	Sessions    int    `toml:"sessions"`

	BrokerURL       string `toml:"broker_url"`
	BrokerMasterKey string `toml:"broker_master_key"`

	AuthToken  string               `toml:"auth_token"`
	Constraint ExitConstraintConfig `toml:"exit_constraint"`
	DirectExit *DirectExitConfig    `toml:"direct_exit"`

	FakeDNS FakeDNSConfig `toml:"fake_dns"`
}

// BridgeConfig is the vpn-bridge role's configuration file. A bridge
// never sees the client<->exit cryptographic layer: Stages names only
// the disguise subtree it terminates before forwarding raw bytes to
// ExitB2E.
type BridgeConfig struct {
	LogLevel string        `toml:"log_level"`
	Listen   string        `toml:"listen"`
	Stages   []StageConfig `toml:"stages"`
	ExitB2E  string        `toml:"exit_b2e"`
}

// EgressPolicyConfig mirrors fakedns.Policy's constructor arguments.
type EgressPolicyConfig struct {
	PassthroughChina bool     `toml:"passthrough_china"`
	ChinaDomains     []string `toml:"china_domains"`
	ChinaCIDRs       []string `toml:"china_cidrs"`
}

// ExitConfig is the vpn-exit role's configuration file. C2EStages is
// the full stack (disguise + sosistab3) for clients dialing in
// directly; B2EStages is the inner subset a fronting bridge's forward
// already expects (normally just sosistab3, since the bridge stripped
// the disguise layer itself).
type ExitConfig struct {
	LogLevel string `toml:"log_level"`

	SigningKeyHex string `toml:"signing_key"`

	C2EListen string        `toml:"c2e_listen"`
	C2EStages []StageConfig `toml:"c2e_stages"`

	B2EListen string        `toml:"b2e_listen"`
	B2EStages []StageConfig `toml:"b2e_stages"`

	DataDir      string             `toml:"data_dir"`
	EgressPolicy EgressPolicyConfig `toml:"egress_policy"`

	RateLimitBytesPerSec int64  `toml:"rate_limit_bytes_per_sec"`
	RateLimitBurstBytes  int64  `toml:"rate_limit_burst_bytes"`
	BrokerURL            string `toml:"broker_url"`
}

func decodeFile(path string, v interface{}) error {
	if _, err := toml.DecodeFile(path, v); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// LoadClientConfig reads and parses a vpn-client TOML config file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	c := &ClientConfig{Sessions: 16, SocksListen: "127.0.0.1:1080", LogLevel: "info"}
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadBridgeConfig reads and parses a vpn-bridge TOML config file.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	c := &BridgeConfig{LogLevel: "info"}
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadExitConfig reads and parses a vpn-exit TOML config file.
func LoadExitConfig(path string) (*ExitConfig, error) {
	c := &ExitConfig{LogLevel: "info", RateLimitBytesPerSec: 50 * 1024 * 1024, RateLimitBurstBytes: 4 * 1024 * 1024}
	if err := decodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}
