package update

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinel-av/sentinel/internal/errors"
	"github.com/sentinel-av/sentinel/internal/signature"
)

// VerifiedPayload is a package that passed every check, ready to install.
type VerifiedPayload struct {
	Database    *signature.Database
	Manifest    signature.Manifest
	Delta       bool
	BaseVersion uint64
}

// Source is the active database an update is checked against.
type Source interface {
	Current() *signature.Database
	PublicKey() *rsa.PublicKey
}

// Verifier checks packages against the trusted key and the active database.
type Verifier struct {
	src Source
}

// NewVerifier creates a verifier over src.
func NewVerifier(src Source) *Verifier {
	return &Verifier{src: src}
}

// Verify checks the signature over the full database first, reconstructing
// it for deltas, and only then the version continuity, so altered bytes are
// an IntegrityError whatever version they claim. A delta whose base is not
// active cannot be reconstructed and is rejected on its versions alone.
// IntegrityError means the bytes are not what the publisher signed;
// UpdateError means the package does not fit the active database.
func (v *Verifier) Verify(ctx context.Context, pkg *Package) (*VerifiedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, updateError(fmt.Errorf("%w: nil package", ErrMalformed), 0)
	}
	if len(pkg.Signature) != signature.SignatureSize {
		return nil, errors.New(fmt.Errorf("%w: got %d", ErrSignatureShape, len(pkg.Signature))).
			Component("update").
			Category(errors.CategoryIntegrity).
			Context("version", pkg.Version).
			Build()
	}

	current := v.src.Current()
	var (
		db  *signature.Database
		err error
	)
	if pkg.IsDelta() {
		db, err = v.reconstruct(current, pkg)
	} else {
		db, err = v.decodeFull(pkg)
	}
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := signature.VerifyDigest(v.src.PublicKey(), db.Digest(), pkg.Signature); err != nil {
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryIntegrity).
			Context("version", pkg.Version).
			Context("kind", pkg.Kind()).
			Build()
	}
	if pkg.Version <= current.Version() {
		return nil, notNewer(current, pkg)
	}

	vp := &VerifiedPayload{
		Database: db,
		Manifest: signature.Manifest{
			Version:   db.Version(),
			Digest:    db.DigestHex(),
			Signature: append([]byte(nil), pkg.Signature...),
			SignedAt:  time.Now().UTC().Truncate(time.Second),
		},
		Delta: pkg.IsDelta(),
	}
	if pkg.IsDelta() {
		vp.BaseVersion = *pkg.BaseVersion
	}
	return vp, nil
}

func (v *Verifier) reconstruct(current *signature.Database, pkg *Package) (*signature.Database, error) {
	if *pkg.BaseVersion != current.Version() {
		if pkg.Version <= current.Version() {
			return nil, notNewer(current, pkg)
		}
		return nil, errors.New(ErrStaleBase).
			Component("update").
			Category(errors.CategoryUpdate).
			Context("active_version", current.Version()).
			Context("base_version", *pkg.BaseVersion).
			Build()
	}

	var delta signature.Delta
	if err := json.Unmarshal(pkg.Payload, &delta); err != nil {
		return nil, updateError(fmt.Errorf("%w: delta: %v", ErrMalformed, err), pkg.Version)
	}
	db, err := current.ApplyDelta(pkg.Version, delta)
	if err != nil {
		return nil, updateError(fmt.Errorf("%w: %v", ErrMalformed, err), pkg.Version)
	}
	return db, nil
}

func (v *Verifier) decodeFull(pkg *Package) (*signature.Database, error) {
	// The signature covers the payload as delivered; check it before parsing.
	digest := sha256.Sum256(pkg.Payload)
	if err := signature.VerifyDigest(v.src.PublicKey(), digest, pkg.Signature); err != nil {
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryIntegrity).
			Context("version", pkg.Version).
			Context("kind", pkg.Kind()).
			Build()
	}

	db, err := signature.DecodePayload(pkg.Payload)
	if err != nil {
		return nil, updateError(fmt.Errorf("%w: %v", ErrMalformed, err), pkg.Version)
	}
	if db.Version() != pkg.Version {
		return nil, updateError(fmt.Errorf("%w: payload version %d, envelope version %d",
			ErrMalformed, db.Version(), pkg.Version), pkg.Version)
	}
	if db.DigestHex() != hex.EncodeToString(digest[:]) {
		return nil, updateError(fmt.Errorf("%w: payload is not canonical", ErrMalformed), pkg.Version)
	}
	return db, nil
}

func notNewer(current *signature.Database, pkg *Package) error {
	return errors.New(ErrNotNewer).
		Component("update").
		Category(errors.CategoryUpdate).
		Context("active_version", current.Version()).
		Context("offered_version", pkg.Version).
		Build()
}
