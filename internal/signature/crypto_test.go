package signature_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-av/sentinel/internal/signature"
	"github.com/sentinel-av/sentinel/internal/signature/signaturetest"
)

func TestKeyFilesRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	k := signaturetest.Key(t)

	privPEM, err := signature.EncodePrivateKeyPEM(k)
	require.NoError(t, err)
	pubPEM, err := signature.EncodePublicKeyPEM(&k.PublicKey)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))

	priv, err := signature.LoadPrivateKey(privPath)
	require.NoError(t, err)
	pub, err := signature.LoadPublicKey(pubPath)
	require.NoError(t, err)

	db := signaturetest.Database(t, 1, signaturetest.EICARRecord())
	m, err := signature.NewManifest(priv, db)
	require.NoError(t, err)
	_, err = signature.VerifyPayload(pub, db.Payload(), m)
	assert.NoError(t, err)
}

func TestLoadKeyErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))

	tests := []struct {
		name string
		load func(string) error
		path string
	}{
		{"missing private", func(p string) error { _, err := signature.LoadPrivateKey(p); return err }, filepath.Join(dir, "absent.pem")},
		{"garbage private", func(p string) error { _, err := signature.LoadPrivateKey(p); return err }, garbage},
		{"missing public", func(p string) error { _, err := signature.LoadPublicKey(p); return err }, filepath.Join(dir, "absent.pem")},
		{"garbage public", func(p string) error { _, err := signature.LoadPublicKey(p); return err }, garbage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tt.load(tt.path))
		})
	}
}
