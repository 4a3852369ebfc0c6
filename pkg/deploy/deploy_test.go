package deploy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/types"
)

func TestRegisterReplacesAndClosesPriorSession(t *testing.T) {
	c := NewCoordinator(0)
	first := c.Register("agent1")
	second := c.Register("agent1")

	select {
	case <-first.Done():
	default:
		t.Fatal("displaced session was not closed")
	}

	sess, ok := c.Session("agent1")
	require.True(t, ok)
	assert.Same(t, second, sess)
}

func TestStartDeploymentRequiresConnectedAgent(t *testing.T) {
	c := NewCoordinator(0)
	_, err := c.StartDeployment("ghost", "/nix/store/abc-foo")
	assert.True(t, apierr.Is(err, apierr.BadRequest))
}

func TestStartDeploymentQueuesMessage(t *testing.T) {
	c := NewCoordinator(0)
	sess := c.Register("agent1")

	dep, err := c.StartDeployment("agent1", "/nix/store/abc-foo")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentInProgress, dep.Status)

	select {
	case msg := <-sess.Send:
		dm, ok := msg.(DeploymentMessage)
		require.True(t, ok)
		assert.Equal(t, dep.ID, dm.Command.Contents.ID)
		assert.Equal(t, "/nix/store/abc-foo", dm.Command.Contents.StorePath)
	default:
		t.Fatal("no message queued on agent channel")
	}
}

func TestReportFinishedMonotonic(t *testing.T) {
	c := NewCoordinator(0)
	c.Register("agent1")
	dep, err := c.StartDeployment("agent1", "/nix/store/abc-foo")
	require.NoError(t, err)

	require.NoError(t, c.ReportFinished(dep.ID, true))
	got, err := c.Status(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentSucceeded, got.Status)

	err = c.ReportFinished(dep.ID, false)
	assert.True(t, apierr.Is(err, apierr.BadRequest), "transition out of a terminal state must be rejected")

	got, err = c.Status(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentSucceeded, got.Status, "status must not change after the rejected transition")
}

func TestIsTerminalLogLine(t *testing.T) {
	terminal, succeeded := IsTerminalLogLine("Successfully activated the deployment.")
	assert.True(t, terminal)
	assert.True(t, succeeded)

	terminal, succeeded = IsTerminalLogLine("Failed to activate the deployment. see log above")
	assert.True(t, terminal)
	assert.False(t, succeeded)

	terminal, _ = IsTerminalLogLine("activating...")
	assert.False(t, terminal)
}

func TestReapRemovesOnlyOldTerminalEntries(t *testing.T) {
	c := NewCoordinator(time.Millisecond)
	c.Register("agent1")
	dep, err := c.StartDeployment("agent1", "/nix/store/abc-foo")
	require.NoError(t, err)
	require.NoError(t, c.ReportFinished(dep.ID, true))

	time.Sleep(5 * time.Millisecond)
	c.Reap()

	_, err = c.Status(dep.ID)
	assert.True(t, apierr.Is(err, apierr.NotFound))
}

func TestReapKeepsInProgressEntries(t *testing.T) {
	c := NewCoordinator(time.Millisecond)
	c.Register("agent1")
	dep, err := c.StartDeployment("agent1", "/nix/store/abc-foo")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	c.Reap()

	got, err := c.Status(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentInProgress, got.Status)
}
