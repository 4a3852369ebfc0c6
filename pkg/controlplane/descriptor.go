package controlplane

import (
	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/types"
)

// CacheDescriptor is the JSON body returned by GET /api/v1/cache/<name>.
type CacheDescriptor struct {
	GithubUsername             string   `json:"githubUsername"`
	IsPublic                   bool     `json:"isPublic"`
	Name                       string   `json:"name"`
	Permission                 string   `json:"permission"`
	PreferredCompressionMethod string   `json:"preferredCompressionMethod"`
	PublicSigningKeys          []string `json:"publicSigningKeys"`
	URI                        string   `json:"uri"`
}

// BuildDescriptor assembles the descriptor for cache c, reading its
// public key file from dir.
func BuildDescriptor(c *types.BinaryCache, dir string) (CacheDescriptor, error) {
	pub, err := signer.LoadPublic(dir)
	if err != nil {
		return CacheDescriptor{}, err
	}
	permission := "read-only"
	if c.Access == types.AccessPrivate {
		permission = "read-write"
	}
	return CacheDescriptor{
		IsPublic:                   c.Access == types.AccessPublic,
		Name:                       c.Name,
		Permission:                 permission,
		PreferredCompressionMethod: "XZ",
		PublicSigningKeys:          []string{pub},
		URI:                        c.URL,
	}, nil
}
