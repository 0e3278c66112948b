package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
)

// KeyBits is the RSA modulus size trusted for database and update signatures.
const KeyBits = 2048

// SignatureSize is the byte length of an RSA-2048 signature.
const SignatureSize = KeyBits / 8

var (
	ErrDigestMismatch   = errors.NewStd("payload digest does not match manifest")
	ErrBadSignature     = errors.NewStd("manifest signature verification failed")
	ErrVersionMismatch  = errors.NewStd("manifest version does not match payload")
	ErrMalformed        = errors.NewStd("malformed signature database")
	ErrNoDatabase       = errors.NewStd("no signature database on disk")
	ErrNoKnownGood      = errors.NewStd("no last-known-good snapshot")
	ErrUntrustedKeySize = errors.NewStd("public key is not RSA-2048")
)

// Manifest authenticates a payload: an RSA-2048 PKCS#1 v1.5 signature over
// the payload's SHA-256 digest.
type Manifest struct {
	Version   uint64    `json:"version"`
	Digest    string    `json:"digest"`
	Signature []byte    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// SignDigest signs a SHA-256 digest with key.
func SignDigest(key *rsa.PrivateKey, digest [sha256.Size]byte) ([]byte, error) {
	if key.N.BitLen() != KeyBits {
		return nil, ErrUntrustedKeySize
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// VerifyDigest checks sig over digest with the trusted key.
func VerifyDigest(pub *rsa.PublicKey, digest [sha256.Size]byte, sig []byte) error {
	if pub == nil || pub.N.BitLen() != KeyBits {
		return ErrUntrustedKeySize
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrBadSignature, len(sig), SignatureSize)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// NewManifest signs db's digest.
func NewManifest(key *rsa.PrivateKey, db *Database) (Manifest, error) {
	sig, err := SignDigest(key, db.Digest())
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{
		Version:   db.Version(),
		Digest:    db.DigestHex(),
		Signature: sig,
		SignedAt:  time.Now().UTC().Truncate(time.Second),
	}, nil
}

// VerifyPayload checks payload against manifest and decodes it. Nothing is
// returned unless both the digest and the signature verify.
func VerifyPayload(pub *rsa.PublicKey, payload []byte, m Manifest) (*Database, error) {
	digest := sha256.Sum256(payload)
	if hex.EncodeToString(digest[:]) != m.Digest {
		return nil, integrityError(ErrDigestMismatch, m.Version)
	}
	if err := VerifyDigest(pub, digest, m.Signature); err != nil {
		return nil, integrityError(err, m.Version)
	}

	db, err := DecodePayload(payload)
	if err != nil {
		return nil, integrityError(err, m.Version)
	}
	if db.Version() != m.Version {
		return nil, integrityError(ErrVersionMismatch, m.Version)
	}
	// Payload was signed but is not canonical; refuse rather than re-encode
	if db.DigestHex() != m.Digest {
		return nil, integrityError(ErrMalformed, m.Version)
	}
	return db, nil
}

func integrityError(err error, version uint64) error {
	return errors.New(err).
		Component("signature").
		Category(errors.CategoryIntegrity).
		Context("version", version).
		Build()
}

func encodeManifest(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	return m, nil
}

// GenerateKey creates a new RSA-2048 signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, KeyBits)
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM encodes pub as a PKIX PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") blocks.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", parsed)
		}
		pub = rsaPub
	case "RSA PUBLIC KEY":
		parsed, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = parsed
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}

	if pub.N.BitLen() != KeyBits {
		return nil, ErrUntrustedKeySize
	}
	return pub, nil
}

// ParsePrivateKeyPEM accepts PKCS#8 and PKCS#1 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", parsed)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// LoadPublicKey reads the trusted public key from a PEM file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, errors.New(err).
			Component("signature").
			Category(errors.CategoryConfiguration).
			Context("operation", "load-public-key").
			Build()
	}
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parse public key: %w", err)).
			Component("signature").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return pub, nil
}

// LoadPrivateKey reads an RSA-2048 signing key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, errors.New(err).
			Component("signature").
			Category(errors.CategoryFileIO).
			Context("operation", "load-private-key").
			Build()
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, errors.New(fmt.Errorf("parse private key: %w", err)).
			Component("signature").
			Category(errors.CategoryValidation).
			Build()
	}
	if key.N.BitLen() != KeyBits {
		return nil, fmt.Errorf("signing key has %d bits: %w", key.N.BitLen(), ErrUntrustedKeySize)
	}
	return key, nil
}
