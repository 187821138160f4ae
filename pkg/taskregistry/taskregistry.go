// Package taskregistry is the durable, bbolt-backed record of every
// asynchronous unit of work: snatch, action, and create tasks. It follows
// the bucket-per-entity, JSON-marshaled-value pattern used throughout this
// system's storage layer.
package taskregistry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/snatchd/snatchd/pkg/types"
)

var (
	bucketTasks = []byte("tasks")
)

// Store is a bbolt-backed TaskRegistry. Writes use short transactions;
// readers read committed state directly from bbolt's MVCC snapshot.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the task database at path, creating the tasks
// bucket if it does not already exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 15 * time.Second})
	if err != nil {
		// Lock contention past the timeout (another process holds the
		// file) and unreadable storage both land here.
		return nil, &types.InfrastructureError{Msg: fmt.Sprintf("open task database %s: %v", path, err)}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("taskregistry: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new row in pending status with the current UTC
// timestamp and returns its id.
func (s *Store) Create(taskType types.TaskType, name, alias string) (string, error) {
	task := &types.Task{
		ID:           uuid.NewString(),
		Type:         taskType,
		Name:         name,
		Status:       types.TaskStatusPending,
		Result:       "",
		CreatedAt:    time.Now().UTC(),
		AccountAlias: alias,
	}
	if err := s.put(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (s *Store) put(task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskregistry: marshal task %s: %w", task.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
	})
}

// Get returns the task row for id, or types.ErrNotFound.
func (s *Store) Get(id string) (*types.Task, error) {
	var task types.Task
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, fmt.Errorf("taskregistry: get %s: %w", id, err)
	}
	if !found {
		return nil, types.ErrNotFound
	}
	return &task, nil
}

// transition loads the row, applies mutate, and writes it back in one
// bolt transaction.
func (s *Store) transition(id string, mutate func(*types.Task)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("taskregistry: unmarshal %s: %w", id, err)
		}
		mutate(&task)
		encoded, err := json.Marshal(&task)
		if err != nil {
			return fmt.Errorf("taskregistry: marshal %s: %w", id, err)
		}
		return b.Put([]byte(id), encoded)
	})
}

// UpdateProgress sets result without changing status.
func (s *Store) UpdateProgress(id, result string) error {
	return s.transition(id, func(t *types.Task) {
		t.Result = result
	})
}

// SetRunning transitions id to running, writing result.
func (s *Store) SetRunning(id, result string) error {
	return s.transition(id, func(t *types.Task) {
		t.Status = types.TaskStatusRunning
		t.Result = result
	})
}

// SetPaused transitions id to paused, writing result.
func (s *Store) SetPaused(id, result string) error {
	return s.transition(id, func(t *types.Task) {
		t.Status = types.TaskStatusPaused
		t.Result = result
	})
}

// SetSuccess transitions id to success, writing result and completed_at.
func (s *Store) SetSuccess(id, result string) error {
	return s.transition(id, func(t *types.Task) {
		t.Status = types.TaskStatusSuccess
		t.Result = result
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

// SetFailure transitions id to failure, writing result and completed_at.
func (s *Store) SetFailure(id, result string) error {
	return s.transition(id, func(t *types.Task) {
		t.Status = types.TaskStatusFailure
		t.Result = result
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

// Delete removes id, but only when it is in a deletable state (success,
// failure, or paused).
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("taskregistry: unmarshal %s: %w", id, err)
		}
		if task.Status != types.TaskStatusSuccess && task.Status != types.TaskStatusFailure && task.Status != types.TaskStatusPaused {
			return types.ErrTaskNotDeletable
		}
		return b.Delete([]byte(id))
	})
}

// ListRunningSnatch returns every running snatch-type row, used by
// RecoveryLoop.
func (s *Store) ListRunningSnatch() ([]*types.Task, error) {
	return s.list(func(t *types.Task) bool {
		return t.Type == types.TaskTypeSnatch && t.Status == types.TaskStatusRunning
	})
}

// ListActiveSnatch returns every running or paused snatch-type row, most
// recently created first; this backs the UI's running view, where paused
// rows remain visible for resume.
func (s *Store) ListActiveSnatch() ([]*types.Task, error) {
	tasks, err := s.list(func(t *types.Task) bool {
		return t.Type == types.TaskTypeSnatch &&
			(t.Status == types.TaskStatusRunning || t.Status == types.TaskStatusPaused)
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(tasks)
	return tasks, nil
}

// ListCompletedSnatch returns up to limit terminal snatch-type rows, most
// recently created first.
func (s *Store) ListCompletedSnatch(limit int) ([]*types.Task, error) {
	tasks, err := s.list(func(t *types.Task) bool {
		return t.Type == types.TaskTypeSnatch && t.Status.IsTerminal()
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedDesc(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ListAll returns every row, for metrics sampling.
func (s *Store) ListAll() ([]*types.Task, error) {
	return s.list(func(*types.Task) bool { return true })
}

func (s *Store) list(match func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, data []byte) error {
			var task types.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return fmt.Errorf("taskregistry: unmarshal: %w", err)
			}
			if match(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func sortByCreatedDesc(tasks []*types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
