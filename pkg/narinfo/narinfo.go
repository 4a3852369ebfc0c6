// Package narinfo renders the textual metadata record describing one
// archived store path.
package narinfo

import (
	"fmt"
	"strings"

	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/types"
)

// CacheInfo is the fixed body served at /nix-cache-info.
const CacheInfo = "Priority: 30\nStoreDir: /nix/store\nWantMassQuery: 1\n"

// Render produces the exact narinfo text for sp, signed by kp.
func Render(sp *types.StorePath, ext string, kp *signer.KeyPair) string {
	fp := signer.Fingerprint(sp.StoreHash, sp.StoreSuffix, sp.NarHash, sp.NarSize, sp.References)
	sig := kp.Sign(fp)

	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: /nix/store/%s-%s\n", sp.StoreHash, sp.StoreSuffix)
	fmt.Fprintf(&b, "URL: nar/%s.nar.%s\n", sp.FileHash, ext)
	fmt.Fprintf(&b, "Compression: %s\n", ext)
	fmt.Fprintf(&b, "FileHash: sha256:%s\n", sp.FileHash)
	fmt.Fprintf(&b, "FileSize: %d\n", sp.FileSize)
	fmt.Fprintf(&b, "NarHash: %s\n", sp.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", sp.NarSize)
	fmt.Fprintf(&b, "Deriver: %s\n", sp.Deriver)
	b.WriteString("System: \"x86_64-linux\"\n")
	fmt.Fprintf(&b, "References: %s\n", joinRefs(sp.References))
	fmt.Fprintf(&b, "Sig: %s\n", sig)
	return b.String()
}

func joinRefs(refs []string) string {
	return strings.Join(refs, " ")
}

// ParseStoreHash extracts the store hash from a "<hash>.narinfo" path
// segment.
func ParseStoreHash(segment string) (string, bool) {
	return strings.CutSuffix(segment, ".narinfo")
}

// ParseNarFile extracts the file hash and extension from a
// "<hash>.nar.<ext>" path segment.
func ParseNarFile(segment string) (hash, ext string, ok bool) {
	i := strings.Index(segment, ".nar.")
	if i < 0 {
		return "", "", false
	}
	return segment[:i], segment[i+len(".nar."):], true
}
