package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	kp, err := Generate(dir, "main", "cache.example.com")
	require.NoError(t, err)
	assert.Equal(t, "main.cache.example.com-1", kp.Prefix)

	loaded, err := LoadPrivate(dir)
	require.NoError(t, err)
	assert.Equal(t, kp.Prefix, loaded.Prefix)
	assert.True(t, kp.Public.Equal(loaded.Public))

	pub, err := LoadPublic(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "main.cache.example.com-1:"))
}

func TestFingerprintIsBitExact(t *testing.T) {
	got := Fingerprint("abc123", "foo-1.0", "sha256:deadbeef", 4096, []string{"abc123-foo-1.0", "def456-bar-2.0"})
	want := "1;/nix/store/abc123-foo-1.0;sha256:deadbeef;4096;/nix/store/abc123-foo-1.0,/nix/store/def456-bar-2.0"
	assert.Equal(t, want, got)
}

func TestFingerprintNoReferences(t *testing.T) {
	got := Fingerprint("abc123", "foo-1.0", "sha256:deadbeef", 10, nil)
	assert.Equal(t, "1;/nix/store/abc123-foo-1.0;sha256:deadbeef;10;", got)
}

func TestSignVerifies(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "main", "host")
	require.NoError(t, err)

	fp := Fingerprint("h", "s", "n", 1, nil)
	sig := kp.Sign(fp)

	prefix, body, ok := strings.Cut(sig, ":")
	require.True(t, ok)
	assert.Equal(t, kp.Prefix, prefix)

	raw, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(kp.Public, []byte(fp), raw))
}
