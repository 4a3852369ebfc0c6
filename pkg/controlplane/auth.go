package controlplane

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerToken extracts the second whitespace-delimited field of the
// Authorization header, e.g. "Bearer abc123" -> "abc123". The source
// does not require the first field to literally be "Bearer".
func bearerToken(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

// tokensEqual compares two tokens in constant time, closing the
// timing side-channel a plain == comparison would leave open.
func tokensEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authorize enforces token equality against a cache's token, unless
// skip reports that this specific request does not require it (a GET
// of a public cache's descriptor).
func authorize(r *http.Request, cacheToken string, skip bool) bool {
	if skip {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return tokensEqual(token, cacheToken)
}
