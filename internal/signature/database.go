package signature

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Database is an immutable, versioned signature set. All methods are safe
// for concurrent use; a Database is never modified after construction.
type Database struct {
	version uint64
	records map[Key]Record
	rules   *RuleSet
	payload []byte
	digest  [sha256.Size]byte
}

// payloadDoc is the canonical encoding the manifest digest is computed over:
// records sorted by key, rules sorted by id, times in UTC at second precision.
type payloadDoc struct {
	Version uint64   `json:"version"`
	Records []Record `json:"records"`
	Rules   []Rule   `json:"rules"`
}

// NewDatabase validates and indexes records and rules.
func NewDatabase(version uint64, records []Record, rules []Rule) (*Database, error) {
	index := make(map[Key]Record, len(records))
	for i := range records {
		r := normalizeRecord(records[i])
		k := r.Key()
		if err := k.validate(); err != nil {
			return nil, fmt.Errorf("%w: record %q: %v", ErrMalformed, r.ID, err)
		}
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("%w: duplicate record key %s", ErrMalformed, k)
		}
		index[k] = r
	}

	rs, err := newRuleSet(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	db := &Database{version: version, records: index, rules: rs}
	if err := db.seal(); err != nil {
		return nil, err
	}
	return db, nil
}

// EmptyDatabase is the version 0 database active before anything is loaded.
func EmptyDatabase() *Database {
	db, _ := NewDatabase(0, nil, nil)
	return db
}

func normalizeRecord(r Record) Record {
	r.ContentHash = r.Key().Hash
	if r.HashAlgorithm == "" {
		r.HashAlgorithm = SHA256
	}
	r.AddedAt = r.AddedAt.UTC().Truncate(time.Second)
	return r
}

// seal computes the canonical payload and its digest.
func (db *Database) seal() error {
	doc := payloadDoc{
		Version: db.version,
		Records: db.Records(),
		Rules:   db.rules.list(),
	}
	if doc.Records == nil {
		doc.Records = []Record{}
	}
	if doc.Rules == nil {
		doc.Rules = []Rule{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	db.payload = payload
	db.digest = sha256.Sum256(payload)
	return nil
}

// DecodePayload parses a canonical payload. The returned database re-encodes
// to the same bytes when the input was produced by Payload.
func DecodePayload(data []byte) (*Database, error) {
	var doc payloadDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return NewDatabase(doc.Version, doc.Records, doc.Rules)
}

// Version returns the database version.
func (db *Database) Version() uint64 { return db.version }

// Len returns the number of hash records.
func (db *Database) Len() int { return len(db.records) }

// Rules returns the heuristic rule-set.
func (db *Database) Rules() *RuleSet { return db.rules }

// Digest returns the SHA-256 of the canonical payload.
func (db *Database) Digest() [sha256.Size]byte { return db.digest }

// DigestHex returns Digest as lowercase hex.
func (db *Database) DigestHex() string { return hex.EncodeToString(db.digest[:]) }

// Payload returns the canonical encoding. Callers must not modify it.
func (db *Database) Payload() []byte { return db.payload }

// Lookup returns the record stored under k.
func (db *Database) Lookup(k Key) (Record, bool) {
	r, ok := db.records[k]
	return r, ok
}

// Records returns all records sorted by key.
func (db *Database) Records() []Record {
	keys := slices.SortedFunc(maps.Keys(db.records), func(a, b Key) int {
		return cmp.Or(cmp.Compare(a.Algorithm, b.Algorithm), cmp.Compare(a.Hash, b.Hash))
	})
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, db.records[k])
	}
	return out
}

// Delta describes the difference between a base version and a target version.
// Replacing a record is expressed as a removal plus an addition.
type Delta struct {
	RemoveKeys  []Key    `json:"remove_keys,omitempty"`
	AddRecords  []Record `json:"add_records,omitempty"`
	RemoveRules []string `json:"remove_rules,omitempty"`
	AddRules    []Rule   `json:"add_rules,omitempty"`
}

// ApplyDelta returns a new database at version with delta merged into db.
// Removing an unknown key or rule, or adding one that still exists, is malformed.
func (db *Database) ApplyDelta(version uint64, delta Delta) (*Database, error) {
	records := maps.Clone(db.records)
	for _, k := range delta.RemoveKeys {
		if _, ok := records[k]; !ok {
			return nil, fmt.Errorf("%w: delta removes unknown record %s", ErrMalformed, k)
		}
		delete(records, k)
	}
	for i := range delta.AddRecords {
		r := normalizeRecord(delta.AddRecords[i])
		if _, exists := records[r.Key()]; exists {
			return nil, fmt.Errorf("%w: delta adds existing record %s", ErrMalformed, r.Key())
		}
		records[r.Key()] = r
	}

	rules := make(map[string]Rule)
	for _, r := range db.rules.list() {
		rules[r.ID] = r
	}
	for _, id := range delta.RemoveRules {
		if _, ok := rules[id]; !ok {
			return nil, fmt.Errorf("%w: delta removes unknown rule %s", ErrMalformed, id)
		}
		delete(rules, id)
	}
	for _, r := range delta.AddRules {
		if _, exists := rules[r.ID]; exists {
			return nil, fmt.Errorf("%w: delta adds existing rule %s", ErrMalformed, r.ID)
		}
		rules[r.ID] = r
	}

	return NewDatabase(version, slices.Collect(maps.Values(records)), slices.Collect(maps.Values(rules)))
}

// Diff computes the delta that turns base into target.
func Diff(base, target *Database) Delta {
	var d Delta
	for k, r := range base.records {
		if t, ok := target.records[k]; !ok || !sameRecord(t, r) {
			d.RemoveKeys = append(d.RemoveKeys, k)
		}
	}
	for k, r := range target.records {
		if b, ok := base.records[k]; !ok || !sameRecord(b, r) {
			d.AddRecords = append(d.AddRecords, r)
		}
	}

	baseRules := make(map[string]Rule)
	for _, r := range base.rules.list() {
		baseRules[r.ID] = r
	}
	targetRules := make(map[string]Rule)
	for _, r := range target.rules.list() {
		targetRules[r.ID] = r
	}
	for id, r := range baseRules {
		if t, ok := targetRules[id]; !ok || !sameRule(t, r) {
			d.RemoveRules = append(d.RemoveRules, id)
		}
	}
	for id, r := range targetRules {
		if b, ok := baseRules[id]; !ok || !sameRule(b, r) {
			d.AddRules = append(d.AddRules, r)
		}
	}

	slices.SortFunc(d.RemoveKeys, func(a, b Key) int { return cmp.Compare(a.String(), b.String()) })
	slices.SortFunc(d.AddRecords, func(a, b Record) int { return cmp.Compare(a.Key().String(), b.Key().String()) })
	slices.Sort(d.RemoveRules)
	slices.SortFunc(d.AddRules, func(a, b Rule) int { return cmp.Compare(a.ID, b.ID) })
	return d
}

func sameRecord(a, b Record) bool {
	return a.ID == b.ID && a.Key() == b.Key() && a.ThreatName == b.ThreatName &&
		a.Severity == b.Severity && a.RuleType == b.RuleType && a.AddedAt.Equal(b.AddedAt)
}

func sameRule(a, b Rule) bool {
	return a.ID == b.ID && a.Name == b.Name && a.PatternType == b.PatternType &&
		a.Pattern == b.Pattern && a.Weight == b.Weight && a.Severity == b.Severity
}
