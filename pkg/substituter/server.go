// Package substituter implements the per-cache binary cache endpoint
// Nix itself talks to: nix-cache-info, narinfo lookups, and NAR
// streaming, each bound to the cache's own port.
package substituter

import (
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/archive"
	"github.com/stashcache/stash/pkg/metrics"
	"github.com/stashcache/stash/pkg/narinfo"
	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/storage"
	"github.com/stashcache/stash/pkg/types"
)

// Server is the substituter endpoint for one cache.
type Server struct {
	Store   storage.Store
	Cache   *types.BinaryCache
	Dir     string
	KeyPair *signer.KeyPair
}

// Router builds the request-handling tree for this cache's substituter.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/nix-cache-info", s.handleCacheInfo)
	r.Get("/{hash}.narinfo", s.handleNarinfo)
	r.Head("/{hash}.narinfo", s.handleNarinfoHead)
	r.Get("/nar/{file}", s.handleNar)
	r.Put("/{uuid}", s.handlePut)
	return r
}

func (s *Server) authorize(r *http.Request) bool {
	if s.Cache.Access != types.AccessPrivate {
		return true
	}
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil || len(decoded) == 0 {
		return false
	}
	// Drop the leading byte, the colon separating an empty basic-auth
	// username from the token that follows it.
	remainder := string(decoded[1:])
	return tokensEqual(remainder, s.Cache.Token)
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	_, _ = w.Write([]byte(narinfo.CacheInfo))
}

func (s *Server) handleNarinfo(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	hash, ok := narinfo.ParseStoreHash(chi.URLParam(r, "hash") + ".narinfo")
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sp, err := s.Store.GetStorePathByHash(r.Context(), s.Cache.Name, hash)
	if err != nil {
		metrics.NarinfoRequestsTotal.WithLabelValues(s.Cache.Name, "miss").Inc()
		writeErr(w, err)
		return
	}
	f, ext, err := archive.Open(s.Dir, sp.FileHash)
	if err != nil {
		metrics.NarinfoRequestsTotal.WithLabelValues(s.Cache.Name, "miss").Inc()
		writeErr(w, err)
		return
	}
	f.Close()

	metrics.NarinfoRequestsTotal.WithLabelValues(s.Cache.Name, "hit").Inc()
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_, _ = w.Write([]byte(narinfo.Render(sp, ext, s.KeyPair)))
}

func (s *Server) handleNarinfoHead(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	hash, ok := narinfo.ParseStoreHash(chi.URLParam(r, "hash") + ".narinfo")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.Store.GetStorePathByHash(r.Context(), s.Cache.Name, hash); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNar(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	fileHash, ext, ok := narinfo.ParseNarFile(chi.URLParam(r, "file"))
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f, _, err := archive.Open(s.Dir, fileHash)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_, _ = io.Copy(w, f)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	uuid := chi.URLParam(r, "uuid")
	if _, err := archive.WriteStaging(s.Dir, uuid, r.Body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), apierr.HTTPStatus(err))
}

func tokensEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
