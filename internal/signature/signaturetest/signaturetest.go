// Package signaturetest provides signing keys and signed databases for tests.
package signaturetest

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/signature"
)

// EICAR is the industry standard antivirus test string.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// EICARThreat is the threat name recorded for EICAR.
const EICARThreat = "EICAR-TEST"

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a process-wide RSA-2048 signing key. Generating keys is slow,
// so every test in a binary shares one.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() { key, keyErr = signature.GenerateKey() })
	require.NoError(t, keyErr)
	return key
}

// HashHex returns the hex SHA-256 of content.
func HashHex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Record builds an exact-hash record for content.
func Record(id, threat string, content []byte, sev signature.Severity) signature.Record {
	return signature.Record{
		ID:            id,
		ContentHash:   HashHex(content),
		HashAlgorithm: signature.SHA256,
		ThreatName:    threat,
		Severity:      sev,
		RuleType:      signature.RuleExactHash,
		AddedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// EICARRecord is the EICAR test signature at high severity.
func EICARRecord() signature.Record {
	return Record("SIG-EICAR", EICARThreat, []byte(EICAR), signature.SeverityHigh)
}

// Database builds a database with the default rule-set plus records.
func Database(t testing.TB, version uint64, records ...signature.Record) *signature.Database {
	t.Helper()
	db, err := signature.NewDatabase(version, records, signature.DefaultRules())
	require.NoError(t, err)
	return db
}

// Write signs db with k and writes the payload and manifest into dir using
// the store's file names. It returns the payload path.
func Write(t testing.TB, dir string, k *rsa.PrivateKey, db *signature.Database) string {
	t.Helper()
	m, err := signature.NewManifest(k, db)
	require.NoError(t, err)
	path := filepath.Join(dir, signature.PayloadFile)
	require.NoError(t, signature.WriteFiles(path, db, m))
	return path
}

// OpenStore writes db into dir, opens a store over it and returns the store.
func OpenStore(t testing.TB, dir string, db *signature.Database) *signature.Store {
	t.Helper()
	k := Key(t)
	Write(t, dir, k, db)
	s := signature.NewStore(&k.PublicKey, dir)
	_, err := s.Open()
	require.NoError(t, err)
	return s
}

// Install signs db and installs it into s.
func Install(t testing.TB, s *signature.Store, db *signature.Database) {
	t.Helper()
	m, err := signature.NewManifest(Key(t), db)
	require.NoError(t, err)
	_, err = s.Install(db, m)
	require.NoError(t, err)
}
