package taskregistry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snatchd/snatchd/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(types.TaskTypeSnatch, "snatch micro", "acct-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, "acct-1", task.AccountAlias)
	assert.Nil(t, task.CompletedAt)
}

func TestTransitionsSetCompletedAt(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Create(types.TaskTypeAction, "stop instance", "acct-1")
	require.NoError(t, err)

	require.NoError(t, store.SetRunning(id, "starting"))
	task, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	assert.Nil(t, task.CompletedAt)

	require.NoError(t, store.SetSuccess(id, "✅ done"))
	task, err = store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, task.Status)
	require.NotNil(t, task.CompletedAt)
}

func TestDeleteOnlyWhenTerminalOrPaused(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Create(types.TaskTypeSnatch, "snatch", "acct-1")
	require.NoError(t, err)

	require.NoError(t, store.SetRunning(id, ""))
	err = store.Delete(id)
	assert.ErrorIs(t, err, types.ErrTaskNotDeletable)

	require.NoError(t, store.SetPaused(id, "paused by user"))
	assert.NoError(t, store.Delete(id))

	_, err = store.Get(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListRunningSnatch(t *testing.T) {
	store := newTestStore(t)

	snatchID, err := store.Create(types.TaskTypeSnatch, "snatch", "acct-1")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(snatchID, ""))

	actionID, err := store.Create(types.TaskTypeAction, "action", "acct-1")
	require.NoError(t, err)
	require.NoError(t, store.SetRunning(actionID, ""))

	running, err := store.ListRunningSnatch()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, snatchID, running[0].ID)
}

func TestListCompletedSnatchOrderAndLimit(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Create(types.TaskTypeSnatch, "snatch", "acct-1")
		require.NoError(t, err)
		require.NoError(t, store.SetSuccess(id, "ok"))
		ids = append(ids, id)
	}

	completed, err := store.ListCompletedSnatch(2)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, ids[2], completed[0].ID)
	assert.Equal(t, ids[1], completed[1].ID)
}
