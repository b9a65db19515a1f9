package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMeaningfulTransition(t *testing.T) {
	assert.True(t, IsMeaningfulTransition(StatusStarting, StatusRunning))
	assert.True(t, IsMeaningfulTransition(StatusRunning, StatusIdle))
	assert.True(t, IsMeaningfulTransition(StatusRunning, StatusError))
	assert.False(t, IsMeaningfulTransition(StatusRunning, StatusRunning))
	assert.False(t, IsMeaningfulTransition(StatusRunning, StatusStalled))
	assert.False(t, IsMeaningfulTransition(StatusRunning, StatusPaused))
}

func TestDeliverable(t *testing.T) {
	assert.True(t, StatusIdle.Deliverable())
	assert.True(t, StatusRestored.Deliverable())
	assert.True(t, StatusStalled.Deliverable())
	assert.False(t, StatusRunning.Deliverable())
	assert.False(t, StatusKilling.Deliverable())
	assert.False(t, StatusError.Deliverable())
}

func TestCloneIsDeep(t *testing.T) {
	a := &Agent{ID: "a1", Capabilities: []string{"go", "tests"}}
	cp := a.Clone()
	cp.Capabilities[0] = "rust"
	cp.Status = StatusError

	assert.Equal(t, "go", a.Capabilities[0])
	assert.NotEqual(t, a.Status, cp.Status)
}
