package recovery

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/taskregistry"
	"github.com/snatchd/snatchd/pkg/types"
)

type mapProfiles map[string]*types.Profile

func (m mapProfiles) Get(alias string) (*types.Profile, error) {
	p, ok := m[alias]
	if !ok {
		return nil, types.ErrNotFound
	}
	return p, nil
}

type capturingDispatcher struct {
	params []snatch.Params
}

func (d *capturingDispatcher) EnqueueSnatch(p snatch.Params) {
	d.params = append(d.params, p)
}

func newStore(t *testing.T) *taskregistry.Store {
	t.Helper()
	store, err := taskregistry.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRunningSnatch(t *testing.T, store *taskregistry.Store, alias, result string) string {
	t.Helper()
	id, err := store.Create(types.TaskTypeSnatch, "snatch", alias)
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(id, result))
	return id
}

func TestRunRedispatchesParseableRowWithFreshRunID(t *testing.T) {
	store := newStore(t)
	progress := types.SnatchProgress{
		RunID:        "run-before-crash",
		AttemptCount: 41,
		Details:      types.SnatchDetails{Shape: "VM.Standard.A1.Flex", AutoBindDomain: true},
	}
	encoded, err := json.Marshal(&progress)
	require.NoError(t, err)
	id := seedRunningSnatch(t, store, "acct-1", string(encoded))

	dispatcher := &capturingDispatcher{}
	profiles := mapProfiles{"acct-1": {Alias: "acct-1"}}
	require.NoError(t, Run(store, profiles, dispatcher))

	task, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)

	var recovered types.SnatchProgress
	require.NoError(t, json.Unmarshal([]byte(task.Result), &recovered))
	assert.NotEqual(t, "run-before-crash", recovered.RunID)
	assert.NotEmpty(t, recovered.RunID)
	assert.Equal(t, 41, recovered.AttemptCount)
	assert.Contains(t, recovered.LastMessage, "auto-recovered")

	require.Len(t, dispatcher.params, 1)
	assert.Equal(t, id, dispatcher.params[0].TaskID)
	assert.Equal(t, recovered.RunID, dispatcher.params[0].RunID)
	assert.True(t, dispatcher.params[0].AutoBindDomain)
}

func TestRunFailsUnparseableRow(t *testing.T) {
	store := newStore(t)
	id := seedRunningSnatch(t, store, "acct-1", "not json at all")

	dispatcher := &capturingDispatcher{}
	require.NoError(t, Run(store, mapProfiles{"acct-1": {Alias: "acct-1"}}, dispatcher))

	task, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailure, task.Status)
	assert.Contains(t, task.Result, "could not be parsed")
	require.NotNil(t, task.CompletedAt)
	assert.Empty(t, dispatcher.params)
}

func TestRunFailsRowWithMissingProfile(t *testing.T) {
	store := newStore(t)
	progress := types.SnatchProgress{
		RunID:   "run-1",
		Details: types.SnatchDetails{Shape: "VM.Standard.A1.Flex"},
	}
	encoded, err := json.Marshal(&progress)
	require.NoError(t, err)
	id := seedRunningSnatch(t, store, "gone-acct", string(encoded))

	dispatcher := &capturingDispatcher{}
	require.NoError(t, Run(store, mapProfiles{}, dispatcher))

	task, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailure, task.Status)
	assert.Contains(t, task.Result, "gone-acct")
	assert.Empty(t, dispatcher.params)
}

func TestRunIgnoresNonSnatchAndNonRunningRows(t *testing.T) {
	store := newStore(t)

	actionID, err := store.Create(types.TaskTypeAction, "stop", "acct-1")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(actionID, "running"))

	pausedID, err := store.Create(types.TaskTypeSnatch, "snatch", "acct-1")
	require.NoError(t, err)
	require.NoError(t, store.SetPaused(pausedID, `{"last_message":"paused"}`))

	dispatcher := &capturingDispatcher{}
	require.NoError(t, Run(store, mapProfiles{"acct-1": {Alias: "acct-1"}}, dispatcher))

	assert.Empty(t, dispatcher.params)
	task, err := store.Get(actionID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
}
