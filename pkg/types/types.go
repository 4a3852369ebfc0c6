package types

import "time"

// Access controls whether a cache's descriptor and substituter reads
// require a bearer token.
type Access string

const (
	AccessPublic  Access = "public"
	AccessPrivate Access = "private"
)

// Compression identifies the archive codec used for a store path's NAR.
type Compression string

const (
	CompressionXZ  Compression = "xz"
	CompressionZST Compression = "zst"
)

// CacheFilter narrows Store.ListCaches to public or private caches.
type CacheFilter string

const (
	CacheFilterAll     CacheFilter = "all"
	CacheFilterPublic  CacheFilter = "public"
	CacheFilterPrivate CacheFilter = "private"
)

// BinaryCache is one substituter endpoint: a name, a port, a bearer
// token, and a retention policy for its archive directory.
type BinaryCache struct {
	ID        string
	Name      string
	URL       string
	Token     string
	Access    Access
	Port      int
	Retention int // weeks; -1 means never expire
	CreatedAt time.Time
}

// StorePath is one archived build output belonging to a cache.
type StorePath struct {
	ID          string
	CacheName   string
	StoreHash   string
	StoreSuffix string
	FileHash    string
	FileSize    int64
	NarHash     string
	NarSize     int64
	Deriver     string
	References  []string
	CreatedAt   time.Time
}

// Workspace groups agents that share a deployment target cache.
type Workspace struct {
	ID        string
	Name      string
	Token     string
	CacheName string
}

// Agent is a remote node that can receive deployment orders over its
// registered channel.
type Agent struct {
	ID            string
	Name          string
	Token         string
	WorkspaceName string
}

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "InProgress"
	DeploymentSucceeded  DeploymentStatus = "Succeeded"
	DeploymentFailed     DeploymentStatus = "Failed"
)

// Deployment is a transient, in-memory record of one activation request
// issued to a single agent.
type Deployment struct {
	ID        string
	Agent     string
	StorePath string
	Status    DeploymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
