// Package recovery implements RecoveryLoop: the run-once startup pass
// that finds snatch rows a crashed worker left in running and either
// re-dispatches them under a fresh run-id or fails them when their
// parameters are no longer usable.
package recovery

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/types"
)

// Registry is the subset of TaskRegistry recovery needs.
type Registry interface {
	ListRunningSnatch() ([]*types.Task, error)
	UpdateProgress(id, result string) error
	SetFailure(id, result string) error
}

// ProfileReader is the subset of ProfileStore recovery needs.
type ProfileReader interface {
	Get(alias string) (*types.Profile, error)
}

// Dispatcher re-enqueues a recovered snatch onto the executor pool.
type Dispatcher interface {
	EnqueueSnatch(p snatch.Params)
}

// Run executes the recovery pass once. Unrecoverable rows (unparseable
// progress, missing profile) transition to failure with an explanatory
// message; the rest are re-dispatched with a fresh run-id and stay
// running. Run itself only fails when the registry cannot be listed.
func Run(registry Registry, profiles ProfileReader, dispatcher Dispatcher) error {
	logger := log.WithComponent("recovery")

	orphaned, err := registry.ListRunningSnatch()
	if err != nil {
		return fmt.Errorf("recovery: list running snatch tasks: %w", err)
	}
	if len(orphaned) == 0 {
		logger.Info().Msg("no interrupted snatch tasks to recover")
		return nil
	}
	logger.Info().Int("count", len(orphaned)).Msg("recovering interrupted snatch tasks")

	for _, task := range orphaned {
		recoverOne(registry, profiles, dispatcher, task)
	}
	return nil
}

// parseProgress decodes a row's persisted progress document, returning a
// DataError when it cannot yield usable snatch parameters.
func parseProgress(task *types.Task) (*types.SnatchProgress, error) {
	var progress types.SnatchProgress
	if err := json.Unmarshal([]byte(task.Result), &progress); err != nil || progress.Details.Shape == "" {
		return nil, &types.DataError{Msg: "stored task parameters could not be parsed"}
	}
	return &progress, nil
}

func recoverOne(registry Registry, profiles ProfileReader, dispatcher Dispatcher, task *types.Task) {
	logger := log.WithTaskID(task.ID)

	progress, err := parseProgress(task)
	if err != nil {
		logger.Warn().Err(err).Msg("task progress unparseable, failing row")
		_ = registry.SetFailure(task.ID, fmt.Sprintf("❌ task recovery failed: %v", err))
		return
	}

	if _, err := profiles.Get(task.AccountAlias); err != nil {
		dataErr := &types.DataError{Msg: fmt.Sprintf("profile %q no longer exists", task.AccountAlias)}
		logger.Warn().Str("account_alias", task.AccountAlias).Msg("profile for task no longer exists, failing row")
		_ = registry.SetFailure(task.ID, fmt.Sprintf("❌ task recovery failed: %v", dataErr))
		return
	}

	progress.RunID = uuid.NewString()
	progress.LastMessage = "service restarted, task auto-recovered and continuing..."

	encoded, err := json.Marshal(progress)
	if err != nil {
		_ = registry.SetFailure(task.ID, "❌ task recovery failed: progress re-encoding failed")
		return
	}
	if err := registry.UpdateProgress(task.ID, string(encoded)); err != nil {
		logger.Error().Err(err).Msg("could not write recovered run-id, skipping re-dispatch")
		return
	}

	dispatcher.EnqueueSnatch(snatch.Params{
		TaskID:         task.ID,
		Alias:          task.AccountAlias,
		RunID:          progress.RunID,
		AutoBindDomain: progress.Details.AutoBindDomain,
		Details:        progress.Details,
	})
	metrics.RecoveredTasksTotal.Inc()
	logger.Info().Str("account_alias", task.AccountAlias).Msg("task re-dispatched")
}
