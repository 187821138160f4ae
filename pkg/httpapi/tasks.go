package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/snatchd/snatchd/pkg/action"
	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/types"
)

// launchRequest is the SnatchProgress.details shape plus the combined
// os_name_version form the UI submits.
type launchRequest struct {
	types.SnatchDetails
	OSNameVersion string `json:"os_name_version,omitempty"`
}

// handleLaunchInstance runs the pre-flight quota check and enqueues
// instance_count snatch tasks.
func (s *Server) handleLaunchInstance(w http.ResponseWriter, r *http.Request) {
	alias, err := s.requestAlias(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	profile, err := s.profiles.Get(alias)
	if err != nil {
		s.respondError(w, r, &types.ValidationError{Msg: fmt.Sprintf("unknown account alias %q", alias)})
		return
	}

	var body launchRequest
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	details := body.SnatchDetails
	if details.OS == "" {
		osName, osVersion := splitOSNameVersion(body.OSNameVersion)
		details.OS = osName
		details.OSVersion = osVersion
	}
	if details.Shape == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "shape is required"})
		return
	}
	if details.DisplayNamePrefix == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "display_name_prefix is required"})
		return
	}
	count := details.InstanceCount
	if count < 1 {
		count = 1
	}

	if details.Shape == types.MicroShape {
		existing, err := s.cloud.CountActiveInstancesOfShape(r.Context(), profile, types.MicroShape)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("quota check failed: %w", err))
			return
		}
		if existing+count > types.MicroShapeQuota {
			s.respondError(w, r, &types.ValidationError{Msg: fmt.Sprintf(
				"free accounts may hold at most %d AMD Micro instances, %d already active", types.MicroShapeQuota, existing)})
			return
		}
	}

	taskIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := details.DisplayNamePrefix
		if count > 1 {
			name = fmt.Sprintf("%s-%d", details.DisplayNamePrefix, i+1)
		}
		taskID, err := s.registry.Create(types.TaskTypeSnatch, name, alias)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		taskDetails := details
		taskDetails.DisplayNamePrefix = name
		s.dispatcher.EnqueueSnatch(snatch.Params{
			TaskID:         taskID,
			Alias:          alias,
			RunID:          uuid.NewString(),
			AutoBindDomain: details.AutoBindDomain,
			Details:        taskDetails,
		})
		taskIDs = append(taskIDs, taskID)
	}

	s.respond(w, http.StatusOK, map[string]any{
		"message":  fmt.Sprintf("submitted %d snatch tasks", count),
		"task_ids": taskIDs,
	})
}

// splitOSNameVersion splits the UI's "Canonical Ubuntu-22.04" form into
// its name and version halves, defaulting to Ubuntu 22.04.
func splitOSNameVersion(s string) (string, string) {
	if s == "" {
		s = "Canonical Ubuntu-22.04"
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

var actionOps = map[types.InstanceAction]action.Op{
	types.ActionStart:      action.OpStart,
	types.ActionStop:       action.OpStop,
	types.ActionRestart:    action.OpRestart,
	types.ActionTerminate:  action.OpTerminate,
	types.ActionChangeIP:   action.OpChangeIP,
	types.ActionAssignIPv6: action.OpAssignIPv6,
}

func (s *Server) handleInstanceAction(w http.ResponseWriter, r *http.Request) {
	alias, err := s.requestAlias(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.profiles.Get(alias); err != nil {
		s.respondError(w, r, &types.ValidationError{Msg: fmt.Sprintf("unknown account alias %q", alias)})
		return
	}

	var body types.InstanceActionRequest
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	op, ok := actionOps[body.Action]
	if !ok || body.InstanceID == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "missing or unknown action or instance_id"})
		return
	}

	taskName := fmt.Sprintf("%s on %s", body.Action, shortID(body.InstanceID))
	taskID, err := s.registry.Create(types.TaskTypeAction, taskName, alias)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.dispatcher.EnqueueAction(action.Request{
		TaskID:             taskID,
		Alias:              alias,
		Op:                 op,
		InstanceID:         body.InstanceID,
		VnicID:             body.VnicID,
		PreserveBootVolume: body.PreserveBootVolume == nil || *body.PreserveBootVolume,
		BindDomain:         body.BindDomain,
		WebOriginated:      body.Source == "web",
	})

	s.respond(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%q request submitted", body.Action),
		"task_id": taskID,
	})
}

// updateInstanceRequest carries the rename / reshape / resize-boot-volume
// form.
type updateInstanceRequest struct {
	Action      string  `json:"action"`
	InstanceID  string  `json:"instance_id"`
	DisplayName string  `json:"display_name,omitempty"`
	OCPUs       float32 `json:"ocpus,omitempty"`
	MemoryInGBs float32 `json:"memory_in_gbs,omitempty"`
	SizeInGBs   int64   `json:"size_in_gbs,omitempty"`
	VpusPerGB   int64   `json:"vpus_per_gb,omitempty"`
	Source      string  `json:"_source,omitempty"`
}

var updateOps = map[string]action.Op{
	"update_display_name": action.OpRename,
	"update_shape":        action.OpReshape,
	"update_boot_volume":  action.OpResizeBootVolume,
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	alias, err := s.requestAlias(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.profiles.Get(alias); err != nil {
		s.respondError(w, r, &types.ValidationError{Msg: fmt.Sprintf("unknown account alias %q", alias)})
		return
	}

	var body updateInstanceRequest
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	op, ok := updateOps[body.Action]
	if !ok || body.InstanceID == "" {
		s.respondError(w, r, &types.ValidationError{Msg: "missing or unknown action or instance_id"})
		return
	}

	taskName := fmt.Sprintf("%s on %s", body.Action, shortID(body.InstanceID))
	taskID, err := s.registry.Create(types.TaskTypeAction, taskName, alias)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.dispatcher.EnqueueAction(action.Request{
		TaskID:              taskID,
		Alias:               alias,
		Op:                  op,
		InstanceID:          body.InstanceID,
		NewName:             body.DisplayName,
		NewOCPUs:            body.OCPUs,
		NewMemoryGBs:        body.MemoryInGBs,
		NewBootVolumeSizeGB: body.SizeInGBs,
		NewVpusPerGB:        body.VpusPerGB,
		WebOriginated:       body.Source == "web",
	})

	s.respond(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%q request submitted", body.Action),
		"task_id": taskID,
	})
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[len(id)-12:]
}

// taskView is the list-endpoint row shape; result is surfaced as parsed
// JSON when it holds a progress document, else as the raw string.
type taskView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Result       any            `json:"result"`
	CreatedAt    string         `json:"created_at"`
	CompletedAt  *string        `json:"completed_at,omitempty"`
	AccountAlias string         `json:"account_alias"`
	Type         types.TaskType `json:"type,omitempty"`
}

func toTaskView(t *types.Task) taskView {
	view := taskView{
		ID:           t.ID,
		Name:         t.Name,
		Status:       string(t.Status),
		Result:       t.Result,
		CreatedAt:    t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		AccountAlias: t.AccountAlias,
		Type:         t.Type,
	}
	if t.CompletedAt != nil {
		formatted := t.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
		view.CompletedAt = &formatted
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(t.Result), &parsed); err == nil {
		view.Result = parsed
	}
	return view
}

func (s *Server) handleRunningSnatchTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.registry.ListActiveSnatch()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) handleCompletedSnatchTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.registry.ListCompletedSnatch(50)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.registry.Get(pathParam(r, "taskID"))
	if err != nil {
		s.respond(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status": task.Status,
		"result": task.Result,
		"type":   task.Type,
	})
}

// handleStopTask pauses a snatch: the paused transition is pre-written
// with the run-id cleared, so the owning worker exits at its next
// ownership check.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	task, err := s.registry.Get(taskID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	const pausedMsg = "task paused by user"
	var doc map[string]any
	if err := json.Unmarshal([]byte(task.Result), &doc); err != nil || doc == nil {
		doc = map[string]any{}
	}
	doc["last_message"] = pausedMsg
	delete(doc, "run_id")
	encoded, err := json.Marshal(doc)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"last_message":%q}`, pausedMsg))
	}

	if err := s.registry.SetPaused(taskID, string(encoded)); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("task %s paused", taskID)})
}

func (s *Server) handleResumeTasks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(body.TaskIDs) == 0 {
		s.respondError(w, r, &types.ValidationError{Msg: "no task ids supplied"})
		return
	}

	resumed := 0
	var failed []string
	for _, taskID := range body.TaskIDs {
		if s.resumeOne(taskID) {
			resumed++
		} else {
			failed = append(failed, taskID)
		}
	}

	msg := fmt.Sprintf("resumed %d tasks", resumed)
	if len(failed) > 0 {
		msg += fmt.Sprintf(", %d failed: %s", len(failed), strings.Join(failed, ", "))
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) resumeOne(taskID string) bool {
	task, err := s.registry.Get(taskID)
	if err != nil || task.Status != types.TaskStatusPaused {
		return false
	}

	if _, err := s.profiles.Get(task.AccountAlias); err != nil {
		_ = s.registry.SetFailure(taskID, fmt.Sprintf("❌ resume failed: profile %q no longer exists", task.AccountAlias))
		return false
	}

	var progress types.SnatchProgress
	if err := json.Unmarshal([]byte(task.Result), &progress); err != nil || progress.Details.Shape == "" {
		dataErr := &types.DataError{Msg: "stored task parameters could not be parsed"}
		_ = s.registry.SetFailure(taskID, fmt.Sprintf("❌ resume failed: %v", dataErr))
		return false
	}

	progress.RunID = uuid.NewString()
	progress.LastMessage = "task manually resumed, continuing..."
	encoded, err := json.Marshal(&progress)
	if err != nil {
		_ = s.registry.SetFailure(taskID, "❌ resume failed: progress re-encoding failed")
		return false
	}
	if err := s.registry.SetRunning(taskID, string(encoded)); err != nil {
		return false
	}

	s.dispatcher.EnqueueSnatch(snatch.Params{
		TaskID:         taskID,
		Alias:          task.AccountAlias,
		RunID:          progress.RunID,
		AutoBindDomain: progress.Details.AutoBindDomain,
		Details:        progress.Details,
	})
	return true
}

// handleDeleteTask removes a terminal or paused row. A best-effort
// ownership-clear write goes first so any straggling worker exits even if
// it re-reads the row between the delete and its next attempt.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathParam(r, "taskID")
	if task, err := s.registry.Get(taskID); err == nil && task.Status == types.TaskStatusPaused {
		var doc map[string]any
		if err := json.Unmarshal([]byte(task.Result), &doc); err == nil && doc != nil {
			if _, hasRunID := doc["run_id"]; hasRunID {
				delete(doc, "run_id")
				if encoded, err := json.Marshal(doc); err == nil {
					_ = s.registry.UpdateProgress(taskID, string(encoded))
				}
			}
		}
	}

	if err := s.registry.Delete(taskID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true, "message": "task record deleted"})
}
