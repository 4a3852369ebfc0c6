// Package controlplane implements the management HTTP endpoint: cache
// lifecycle descriptors, upload orchestration, and deployment dispatch.
package controlplane

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/archive"
	"github.com/stashcache/stash/pkg/deploy"
	"github.com/stashcache/stash/pkg/log"
	"github.com/stashcache/stash/pkg/metrics"
	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/storage"
	"github.com/stashcache/stash/pkg/types"
	"github.com/stashcache/stash/pkg/upload"
)

// Server wires the persistence adapter, the artifact directory root,
// the upload state machine, and the deployment coordinator into one
// chi router.
type Server struct {
	Store    storage.Store
	CacheDir string
	Uploads  *upload.Table
	Coord    *deploy.Coordinator
}

// Router builds the request-handling tree for the management endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/api/v1/cache/{name}", s.handleGetCache)
	r.Post("/api/v1/cache/{name}/narinfo", s.handleCheckNarinfo)
	r.Post("/api/v1/cache/{name}/multipart-nar", s.handleBeginUpload)
	r.Post("/api/v1/cache/{name}/multipart-nar/{uuid}", s.handleUploadURL)
	r.Post("/api/v1/cache/{name}/multipart-nar/{uuid}/complete", s.handleCompleteUpload)
	r.Post("/api/v1/cache/{name}/multipart-nar/{uuid}/abort", s.handleAbortUpload)
	r.Get("/api/v1/deploy/deployment/{id}", s.handleDeploymentStatus)
	r.Post("/api/v2/deploy/activate", s.handleActivate)
	r.Get("/api/v1/deploy/log/", deploy.ServeDeploymentLog())
	r.Get("/ws", s.handleAgentChannel)
	r.Get("/ws-deployment", deploy.ServeDeploymentReporter(s.Coord))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rw.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	http.Error(w, err.Error(), status)
}

func (s *Server) resolveCache(w http.ResponseWriter, r *http.Request) (*types.BinaryCache, bool) {
	name := chi.URLParam(r, "name")
	c, err := s.Store.GetCache(r.Context(), name)
	if err != nil {
		http.Error(w, "unknown cache", http.StatusBadRequest)
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	skip := r.Method == http.MethodGet && c.Access == types.AccessPublic
	if !authorize(r, c.Token, skip) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	dir := archive.Dir(s.CacheDir, c.Name)
	desc, err := BuildDescriptor(c, dir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

type narinfoCheckRequest struct {
	Hashes []string `json:"hashes"`
}

func (s *Server) handleCheckNarinfo(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	if !authorize(r, c.Token, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req narinfoCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	var missing []string
	for _, hash := range req.Hashes {
		if _, err := s.Store.GetStorePathByHash(r.Context(), c.Name, hash); err != nil {
			missing = append(missing, hash)
		}
	}
	writeJSON(w, http.StatusOK, missing)
}

func (s *Server) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	if !authorize(r, c.Token, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	compression := types.Compression(r.URL.Query().Get("compression"))
	if compression != types.CompressionXZ && compression != types.CompressionZST {
		http.Error(w, "compression must be xz or zst", http.StatusBadRequest)
		return
	}

	dir, err := archive.EnsureDir(s.CacheDir, c.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	up := s.Uploads.Begin(c.Name, compression)
	if err := archive.CreateStaging(dir, up.ID, string(compression)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"narId":    up.ID,
		"uploadId": up.ID,
	})
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	if !authorize(r, c.Token, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	uuid := chi.URLParam(r, "uuid")
	writeJSON(w, http.StatusOK, map[string]string{
		"uploadUrl": c.URL + "/" + uuid,
	})
}

type narInfoCreate struct {
	StoreHash   string   `json:"cStoreHash"`
	StoreSuffix string   `json:"cStoreSuffix"`
	FileHash    string   `json:"cFileHash"`
	FileSize    int64    `json:"cFileSize"`
	NarHash     string   `json:"cNarHash"`
	NarSize     int64    `json:"cNarSize"`
	Deriver     string   `json:"cDeriver"`
	References  []string `json:"cReferences"`
}

type completeUploadRequest struct {
	NarInfoCreate narInfoCreate `json:"narInfoCreate"`
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	if !authorize(r, c.Token, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	uploadID := chi.URLParam(r, "uuid")
	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	info := req.NarInfoCreate

	sp := &types.StorePath{
		ID:          uploadID,
		CacheName:   c.Name,
		StoreHash:   info.StoreHash,
		StoreSuffix: info.StoreSuffix,
		FileHash:    info.FileHash,
		FileSize:    info.FileSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		Deriver:     info.Deriver,
		References:  info.References,
		CreatedAt:   time.Now(),
	}

	if err := s.Store.InsertStorePath(r.Context(), sp); err != nil {
		writeError(w, err)
		return
	}

	dir := archive.Dir(s.CacheDir, c.Name)
	if err := archive.Finalize(dir, uploadID, info.FileHash); err != nil {
		writeError(w, err)
		return
	}

	if up, err := s.Uploads.Get(uploadID); err == nil {
		metrics.UploadDuration.WithLabelValues(c.Name).Observe(time.Since(up.StartedAt).Seconds())
	}
	if err := s.Uploads.Complete(uploadID); err != nil {
		log.WithCache(c.Name).Warn().Err(err).Str("upload_id", uploadID).Msg("upload table rejected terminal transition after finalize")
	}
	metrics.UploadsTotal.WithLabelValues(c.Name, "success").Inc()
	metrics.StorePathsTotal.WithLabelValues(c.Name).Inc()

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCache(w, r)
	if !ok {
		return
	}
	if !authorize(r, c.Token, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	uploadID := chi.URLParam(r, "uuid")
	dir := archive.Dir(s.CacheDir, c.Name)
	if err := archive.Abort(dir, uploadID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Uploads.Abort(uploadID); err != nil {
		log.WithCache(c.Name).Warn().Err(err).Str("upload_id", uploadID).Msg("upload table rejected terminal transition after abort")
	}
	metrics.UploadsTotal.WithLabelValues(c.Name, "aborted").Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dep, err := s.Coord.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

type activateRequest struct {
	Agents map[string]string `json:"agents"`
}

type activateResultEntry struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	for agentName := range req.Agents {
		if _, err := s.Store.GetAgent(r.Context(), agentName); err != nil {
			http.Error(w, "unknown agent "+agentName, http.StatusBadRequest)
			return
		}
	}

	results := make(map[string]activateResultEntry, len(req.Agents))
	for agentName, storePath := range req.Agents {
		dep, err := s.Coord.StartDeployment(agentName, storePath)
		if err != nil {
			writeError(w, err)
			return
		}
		results[agentName] = activateResultEntry{ID: dep.ID, URL: ""}
	}

	writeJSON(w, http.StatusOK, map[string]any{"agents": results})
}

func (s *Server) handleAgentChannel(w http.ResponseWriter, r *http.Request) {
	authenticate := func(r *http.Request) (string, bool) {
		name := r.Header.Get("name")
		if name == "" {
			return "", false
		}
		a, err := s.Store.GetAgent(r.Context(), name)
		if err != nil {
			return "", false
		}
		token, ok := bearerToken(r)
		if !ok || !tokensEqual(token, a.Token) {
			return "", false
		}
		return name, true
	}

	resolve := func(agentName string) (deploy.CacheDescriptor, error) {
		a, err := s.Store.GetAgent(r.Context(), agentName)
		if err != nil {
			return deploy.CacheDescriptor{}, err
		}
		ws, err := s.Store.GetWorkspace(r.Context(), a.WorkspaceName)
		if err != nil {
			return deploy.CacheDescriptor{}, err
		}
		c, err := s.Store.GetCache(r.Context(), ws.CacheName)
		if err != nil {
			return deploy.CacheDescriptor{}, err
		}
		dir := archive.Dir(s.CacheDir, c.Name)
		pub, err := signer.LoadPublic(dir)
		if err != nil {
			return deploy.CacheDescriptor{}, err
		}
		_, body, _ := strings.Cut(pub, ":")
		return deploy.CacheDescriptor{
			CacheName: c.Name,
			IsPublic:  c.Access == types.AccessPublic,
			PublicKey: body,
		}, nil
	}

	deploy.ServeAgentChannel(s.Coord, authenticate, resolve)(w, r)
}
