package signature

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Severity ranks the danger of a signature's threat.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityLow || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// RuleType tells exact-hash signatures from heuristic pattern signatures.
type RuleType int

const (
	RuleExactHash RuleType = iota
	RuleHeuristicPattern
)

func (r RuleType) String() string {
	switch r {
	case RuleExactHash:
		return "exact_hash"
	case RuleHeuristicPattern:
		return "heuristic_pattern"
	default:
		return fmt.Sprintf("rule_type(%d)", int(r))
	}
}

// MarshalText encodes the rule type by name.
func (r RuleType) MarshalText() ([]byte, error) {
	switch r {
	case RuleExactHash, RuleHeuristicPattern:
		return []byte(r.String()), nil
	default:
		return nil, fmt.Errorf("invalid rule type %d", int(r))
	}
}

// UnmarshalText decodes a rule type name.
func (r *RuleType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "exact_hash":
		*r = RuleExactHash
	case "heuristic_pattern":
		*r = RuleHeuristicPattern
	default:
		return fmt.Errorf("unknown rule type %q", text)
	}
	return nil
}

// HashAlgorithm names the digest a record's content hash was computed with.
type HashAlgorithm string

// SHA256 is the only algorithm the detector computes.
const SHA256 HashAlgorithm = "sha256"

const sha256HexLen = 64

// Key identifies a record: unique by (algorithm, content hash).
type Key struct {
	Algorithm HashAlgorithm
	Hash      string // lowercase hex
}

func (k Key) String() string {
	return string(k.Algorithm) + ":" + k.Hash
}

// MarshalText encodes the key as "algorithm:hex".
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes "algorithm:hex".
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "algorithm:hex" as produced by Key.String.
func ParseKey(s string) (Key, error) {
	alg, hash, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed record key %q", s)
	}
	k := Key{Algorithm: HashAlgorithm(alg), Hash: strings.ToLower(hash)}
	return k, k.validate()
}

// SHA256Key builds a key from a hex SHA-256 digest.
func SHA256Key(hexDigest string) Key {
	return Key{Algorithm: SHA256, Hash: strings.ToLower(hexDigest)}
}

func (k Key) validate() error {
	if k.Algorithm != SHA256 {
		return fmt.Errorf("unsupported hash algorithm %q", k.Algorithm)
	}
	if len(k.Hash) != sha256HexLen {
		return fmt.Errorf("sha256 hash must be %d hex characters, got %d", sha256HexLen, len(k.Hash))
	}
	if _, err := hex.DecodeString(k.Hash); err != nil {
		return fmt.Errorf("hash is not hex: %w", err)
	}
	return nil
}

// Record is one known-bad content hash. Records are immutable once stored.
type Record struct {
	ID            string        `json:"id"`
	ContentHash   string        `json:"content_hash"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
	ThreatName    string        `json:"threat_name"`
	Severity      Severity      `json:"severity"`
	RuleType      RuleType      `json:"rule_type"`
	AddedAt       time.Time     `json:"added_at"`
}

// Key returns the record's unique key.
func (r Record) Key() Key {
	return Key{Algorithm: r.HashAlgorithm, Hash: strings.ToLower(r.ContentHash)}
}
