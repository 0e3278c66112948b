// Package update verifies and applies signed signature-database updates.
//
// A package carries either a full database payload or a delta against a
// declared base version. In both cases the RSA-2048 signature covers the
// SHA-256 of the full canonical database the package produces, so a
// tampered delta is caught after reconstruction.
package update

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/signature"
)

var (
	ErrStaleBase      = errors.NewStd("delta base version does not match the active database")
	ErrNotNewer       = errors.NewStd("package version is not newer than the active database")
	ErrMalformed      = errors.NewStd("malformed update package")
	ErrSignatureShape = errors.NewStd("update signature must be 256 bytes")
)

// Package is one update as received from the update channel.
type Package struct {
	Version     uint64  `json:"version"`
	BaseVersion *uint64 `json:"base_version"`
	Payload     []byte  `json:"payload"`
	Signature   []byte  `json:"signature"`
}

// IsDelta reports whether the payload is a delta against BaseVersion.
func (p *Package) IsDelta() bool { return p.BaseVersion != nil }

// Kind returns "delta" or "full".
func (p *Package) Kind() string {
	if p.IsDelta() {
		return "delta"
	}
	return "full"
}

// Decode parses the JSON envelope. Byte fields are base64 encoded.
func Decode(data []byte) (*Package, error) {
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, updateError(fmt.Errorf("%w: %v", ErrMalformed, err), 0)
	}
	if len(p.Payload) == 0 {
		return nil, updateError(fmt.Errorf("%w: empty payload", ErrMalformed), p.Version)
	}
	if len(p.Signature) != signature.SignatureSize {
		return nil, errors.New(fmt.Errorf("%w: got %d", ErrSignatureShape, len(p.Signature))).
			Component("update").
			Category(errors.CategoryIntegrity).
			Context("version", p.Version).
			Build()
	}
	return &p, nil
}

// Encode produces the JSON envelope.
func Encode(p *Package) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// ReadFile reads and decodes a package file.
func ReadFile(path string) (*Package, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "read-package").
			Build()
	}
	return Decode(data)
}

// WriteFile encodes p to path.
func WriteFile(path string, p *Package) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func updateError(err error, version uint64) error {
	return errors.New(err).
		Component("update").
		Category(errors.CategoryUpdate).
		Context("version", version).
		Build()
}
