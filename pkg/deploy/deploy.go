// Package deploy is the deployment coordinator: it tracks which agents
// currently hold an open channel and the status of every deployment
// dispatched to them.
package deploy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/log"
	"github.com/stashcache/stash/pkg/metrics"
	"github.com/stashcache/stash/pkg/types"
)

// AgentSession is one agent's open outbound channel. Messages queued
// here are written to the agent's websocket connection by the
// connection's own writer goroutine.
type AgentSession struct {
	Name string
	Send chan any
	done chan struct{}
}

// Close signals the session's connection handler to stop by closing
// the channel returned by Done. Send is left open.
func (s *AgentSession) Close() {
	close(s.done)
}

// Done returns the channel closed when the session is retired.
func (s *AgentSession) Done() <-chan struct{} {
	return s.done
}

func newAgentSession(name string) *AgentSession {
	return &AgentSession{
		Name: name,
		Send: make(chan any, 16),
		done: make(chan struct{}),
	}
}

// Coordinator holds the agent registry and the deployment status table
// for one running server. It is safe for concurrent use.
type Coordinator struct {
	mu          sync.RWMutex
	agents      map[string]*AgentSession
	deployments map[string]*types.Deployment

	retention time.Duration
}

// NewCoordinator creates a coordinator that ages terminal deployment
// entries out of its table after retention has elapsed since their
// last update. A retention of zero disables aging.
func NewCoordinator(retention time.Duration) *Coordinator {
	return &Coordinator{
		agents:      make(map[string]*AgentSession),
		deployments: make(map[string]*types.Deployment),
		retention:   retention,
	}
}

// Register installs a new session for agentName, displacing and
// explicitly closing any prior session registered under the same name.
func (c *Coordinator) Register(agentName string) *AgentSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.agents[agentName]; ok {
		log.WithAgent(agentName).Warn().Msg("replacing existing agent session")
		old.Close()
	}
	sess := newAgentSession(agentName)
	c.agents[agentName] = sess
	return sess
}

// Unregister removes agentName's session if it is still the one
// passed in; a session that was already displaced by a newer
// registration is left alone.
func (c *Coordinator) Unregister(agentName string, sess *AgentSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agents[agentName] == sess {
		delete(c.agents, agentName)
	}
}

// Session returns the live session for agentName, if any.
func (c *Coordinator) Session(agentName string) (*AgentSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.agents[agentName]
	return sess, ok
}

// ConnectedCount returns the number of agents with an open session.
func (c *Coordinator) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// AgentRegisteredMessage is the wire shape for the channel's first
// outbound message, sent right after an agent authenticates.
type AgentRegisteredMessage struct {
	Agent   string `json:"agent"`
	Command struct {
		Contents struct {
			Cache struct {
				CacheName string `json:"cacheName"`
				IsPublic  bool   `json:"isPublic"`
				PublicKey string `json:"publicKey"`
			} `json:"cache"`
			ID string `json:"id"`
		} `json:"contents"`
		Tag string `json:"tag"`
	} `json:"command"`
	ID     string `json:"id"`
	Method string `json:"method"`
}

// NewAgentRegisteredMessage builds the AgentRegistered payload for an
// agent whose cache descriptor is cacheName/isPublic/publicKey.
func NewAgentRegisteredMessage(agentName, cacheName string, isPublic bool, publicKey string) AgentRegisteredMessage {
	msg := AgentRegisteredMessage{
		Agent:  agentName,
		ID:     zeroUUID,
		Method: "AgentRegistered",
	}
	msg.Command.Tag = "AgentRegistered"
	msg.Command.Contents.ID = zeroUUID
	msg.Command.Contents.Cache.CacheName = cacheName
	msg.Command.Contents.Cache.IsPublic = isPublic
	msg.Command.Contents.Cache.PublicKey = publicKey
	return msg
}

// DeploymentMessage is the wire shape dispatched to an agent's channel
// to activate a store path.
type DeploymentMessage struct {
	Agent   string `json:"agent"`
	Command struct {
		Contents struct {
			ID            string  `json:"id"`
			Index         int     `json:"index"`
			RollbackScript *string `json:"rollbackScript"`
			StorePath     string  `json:"storePath"`
		} `json:"contents"`
		Tag string `json:"tag"`
	} `json:"command"`
	ID     string `json:"id"`
	Method string `json:"method"`
}

func newDeploymentMessage(agentName, deployID, storePath string) DeploymentMessage {
	msg := DeploymentMessage{
		Agent:  agentName,
		ID:     zeroUUID,
		Method: "Deployment",
	}
	msg.Command.Tag = "Deployment"
	msg.Command.Contents.ID = deployID
	msg.Command.Contents.Index = 0
	msg.Command.Contents.RollbackScript = nil
	msg.Command.Contents.StorePath = storePath
	return msg
}

// DeploymentFinishedMessage is the wire shape the deployment reporter
// channel receives when an agent finishes activating a deployment.
type DeploymentFinishedMessage struct {
	Method  string `json:"method"`
	Command struct {
		ID           string `json:"id"`
		HasSucceeded bool   `json:"hasSucceeded"`
	} `json:"command"`
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

// StartDeployment allocates a deployment ID, records it as InProgress,
// and pushes a Deployment message to the named agent's channel. It
// fails if the agent has no open session.
func (c *Coordinator) StartDeployment(agentName, storePath string) (*types.Deployment, error) {
	c.mu.Lock()
	sess, ok := c.agents[agentName]
	if !ok {
		c.mu.Unlock()
		return nil, apierr.New(apierr.BadRequest, "agent %s is not connected", agentName)
	}

	now := time.Now()
	dep := &types.Deployment{
		ID:        uuid.NewString(),
		Agent:     agentName,
		StorePath: storePath,
		Status:    types.DeploymentInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.deployments[dep.ID] = dep
	c.mu.Unlock()

	select {
	case sess.Send <- newDeploymentMessage(agentName, dep.ID, storePath):
	default:
		return nil, apierr.New(apierr.IOFailure, "agent %s channel is full", agentName)
	}
	return dep, nil
}

// ReportFinished applies a DeploymentFinished message: it sets the
// named deployment to Succeeded or Failed. Transitions out of a
// terminal state are rejected; this enforces the InProgress -> {
// Succeeded, Failed } monotonicity invariant.
func (c *Coordinator) ReportFinished(deployID string, succeeded bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dep, ok := c.deployments[deployID]
	if !ok {
		return apierr.New(apierr.NotFound, "unknown deployment %s", deployID)
	}
	if dep.Status != types.DeploymentInProgress {
		return apierr.New(apierr.BadRequest, "deployment %s is already terminal (%s)", deployID, dep.Status)
	}
	outcome := "failed"
	if succeeded {
		dep.Status = types.DeploymentSucceeded
		outcome = "succeeded"
	} else {
		dep.Status = types.DeploymentFailed
	}
	dep.UpdatedAt = time.Now()
	metrics.DeploymentDuration.WithLabelValues(outcome).Observe(dep.UpdatedAt.Sub(dep.CreatedAt).Seconds())
	return nil
}

// Status returns the current status of a deployment.
func (c *Coordinator) Status(deployID string) (*types.Deployment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dep, ok := c.deployments[deployID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown deployment %s", deployID)
	}
	cp := *dep
	return &cp, nil
}

// IsTerminalLogLine reports whether a line read from a deployment's
// log channel signals that activation finished, and if so whether it
// succeeded.
func IsTerminalLogLine(line string) (terminal, succeeded bool) {
	switch {
	case line == "Successfully activated the deployment.":
		return true, true
	case strings.Contains(line, "Failed to activate the deployment."):
		return true, false
	default:
		return false, false
	}
}

// Reap removes deployment entries that have been terminal for longer
// than the coordinator's retention window. It is a no-op when
// retention is zero.
func (c *Coordinator) Reap() {
	if c.retention == 0 {
		return
	}
	cutoff := time.Now().Add(-c.retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dep := range c.deployments {
		if dep.Status == types.DeploymentInProgress {
			continue
		}
		if dep.UpdatedAt.Before(cutoff) {
			delete(c.deployments, id)
		}
	}
}

// StartReaper launches a goroutine that calls Reap once per interval
// until stop is closed.
func (c *Coordinator) StartReaper(interval time.Duration, stop <-chan struct{}) {
	if c.retention == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Reap()
			case <-stop:
				return
			}
		}
	}()
}
