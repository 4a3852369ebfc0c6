// Package token issues the opaque bearer tokens caches, workspaces, and
// agents authenticate with. Each token is an HS256 JWT carrying only the
// owning name as a claim; callers compare it for equality, never verify
// or parse it on the request path, so the signature serves only to make
// the token unguessable without the server's key.
package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/stashcache/stash/pkg/apierr"
)

// Issue signs a token binding name to key.
func Issue(name, key string) (string, error) {
	claims := jwt.MapClaims{"name": name}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", apierr.Wrap(apierr.IOFailure, err, "signing token for %s", name)
	}
	return signed, nil
}
