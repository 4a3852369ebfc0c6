package deploy

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/stashcache/stash/pkg/log"
	"github.com/stashcache/stash/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CacheDescriptor supplies the fields needed to build the
// AgentRegistered message for a freshly connected agent.
type CacheDescriptor struct {
	CacheName string
	IsPublic  bool
	PublicKey string
}

// ResolveCache looks up the cache descriptor owning an agent's
// workspace.
type ResolveCache func(agentName string) (CacheDescriptor, error)

// Authenticate verifies the bearer token presented by an agent and
// returns the agent name it authenticates as.
type Authenticate func(r *http.Request) (agentName string, ok bool)

// ServeAgentChannel upgrades the request at /ws, registers an agent
// session, and runs its reader/writer loops until the connection
// closes. The reader side is cooperative: it only consumes frames to
// detect disconnection, since agents never send application messages
// on this channel besides the initial handshake performed by auth.
func ServeAgentChannel(coord *Coordinator, authenticate Authenticate, resolve ResolveCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentName, ok := authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithAgent(agentName).Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		sess := coord.Register(agentName)
		metrics.AgentsConnectedTotal.Set(float64(coord.ConnectedCount()))
		defer func() {
			coord.Unregister(agentName, sess)
			metrics.AgentsConnectedTotal.Set(float64(coord.ConnectedCount()))
		}()

		desc, err := resolve(agentName)
		if err == nil {
			sess.Send <- NewAgentRegisteredMessage(agentName, desc.CacheName, desc.IsPublic, desc.PublicKey)
		}

		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg := <-sess.Send:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-sess.Done():
				return
			case <-readerDone:
				return
			}
		}
	}
}

// ServeDeploymentReporter upgrades the request at /ws-deployment and
// applies every inbound DeploymentFinished message to the coordinator.
func ServeDeploymentReporter(coord *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithComponent("deploy").Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg DeploymentFinishedMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.WithComponent("deploy").Warn().Err(err).Msg("malformed DeploymentFinished message")
				continue
			}
			if msg.Method != "DeploymentFinished" {
				continue
			}
			outcome := "failed"
			if msg.Command.HasSucceeded {
				outcome = "succeeded"
			}
			if err := coord.ReportFinished(msg.Command.ID, msg.Command.HasSucceeded); err != nil {
				log.WithDeployment(msg.Command.ID).Warn().Err(err).Msg("rejected deployment status report")
				continue
			}
			metrics.DeploymentsTotal.WithLabelValues(outcome).Inc()
		}
	}
}

// ServeDeploymentLog upgrades the request at /api/v1/deploy/log/ and
// terminates the connection once a line signals that activation
// finished.
func ServeDeploymentLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithComponent("deploy").Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Line string `json:"line"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			if terminal, _ := IsTerminalLogLine(frame.Line); terminal {
				return
			}
		}
	}
}
