// Package signer generates and applies the Ed25519 signing keys a
// binary cache uses to sign its narinfo records.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	pubFileName  = "key.pub"
	privFileName = "key.priv"
)

// KeyPair holds the prefix ("<cache>.<hostname>-1") and raw key bytes
// for one cache's signing identity.
type KeyPair struct {
	Prefix  string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair for cacheName signed under
// serverHostname, and writes key.pub and key.priv into dir. Each file's
// content is "<prefix>:" followed by the base64 of the key bytes.
func Generate(dir, cacheName, serverHostname string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	prefix := fmt.Sprintf("%s.%s-1", cacheName, serverHostname)
	kp := &KeyPair{Prefix: prefix, Public: pub, Private: priv}

	if err := os.WriteFile(filepath.Join(dir, pubFileName), []byte(encode(prefix, pub)), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", pubFileName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, privFileName), []byte(encode(prefix, priv)), 0o600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", privFileName, err)
	}
	return kp, nil
}

func encode(prefix string, key []byte) string {
	return prefix + ":" + base64.StdEncoding.EncodeToString(key)
}

// LoadPrivate reads key.priv from dir and returns the parsed keypair
// ready to sign fingerprints.
func LoadPrivate(dir string) (*KeyPair, error) {
	raw, err := os.ReadFile(filepath.Join(dir, privFileName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", privFileName, err)
	}
	prefix, body, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("%s: malformed, missing ':'", privFileName)
	}
	key, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding key: %w", privFileName, err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: unexpected key length %d", privFileName, len(key))
	}
	priv := ed25519.PrivateKey(key)
	return &KeyPair{
		Prefix:  prefix,
		Private: priv,
		Public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// LoadPublic reads key.pub from dir.
func LoadPublic(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, pubFileName))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", pubFileName, err)
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

// Fingerprint builds the canonical byte string signed for a narinfo
// record: "1;/nix/store/<storeHash>-<storeSuffix>;<narHash>;<narSize>;<refs>"
// where refs is the comma-joined "/nix/store/<ref>" list in stored order.
func Fingerprint(storeHash, storeSuffix, narHash string, narSize int64, refs []string) string {
	prefixed := make([]string, len(refs))
	for i, r := range refs {
		prefixed[i] = "/nix/store/" + r
	}
	return "1;/nix/store/" + storeHash + "-" + storeSuffix + ";" +
		narHash + ";" + strconv.FormatInt(narSize, 10) + ";" + strings.Join(prefixed, ",")
}

// Sign signs fingerprint and returns "<prefix>:<base64(signature)>".
func (kp *KeyPair) Sign(fingerprint string) string {
	sig := ed25519.Sign(kp.Private, []byte(fingerprint))
	return kp.Prefix + ":" + base64.StdEncoding.EncodeToString(sig)
}
