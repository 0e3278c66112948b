package update

import (
	"crypto/rsa"
	"encoding/json"

	"github.com/sentinel-av/sentinel/internal/signature"
)

// BuildFull creates a signed full update for db.
func BuildFull(key *rsa.PrivateKey, db *signature.Database) (*Package, error) {
	sig, err := signature.SignDigest(key, db.Digest())
	if err != nil {
		return nil, err
	}
	return &Package{
		Version:   db.Version(),
		Payload:   append([]byte(nil), db.Payload()...),
		Signature: sig,
	}, nil
}

// BuildDelta creates a signed delta that turns base into target. The
// signature covers target's full digest.
func BuildDelta(key *rsa.PrivateKey, base, target *signature.Database) (*Package, error) {
	payload, err := json.Marshal(signature.Diff(base, target))
	if err != nil {
		return nil, err
	}
	sig, err := signature.SignDigest(key, target.Digest())
	if err != nil {
		return nil, err
	}
	baseVersion := base.Version()
	return &Package{
		Version:     target.Version(),
		BaseVersion: &baseVersion,
		Payload:     payload,
		Signature:   sig,
	}, nil
}
