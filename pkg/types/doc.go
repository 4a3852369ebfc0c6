// Package types holds the data model shared across stash: caches, store
// paths, workspaces, agents, and the transient deployment/session records
// tracked only in memory by the deployment coordinator.
package types
