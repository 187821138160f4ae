package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/oracle/oci-go-sdk/v65/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snatchd/snatchd/pkg/action"
	"github.com/snatchd/snatchd/pkg/notify"
	"github.com/snatchd/snatchd/pkg/profilestore"
	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/taskregistry"
	"github.com/snatchd/snatchd/pkg/types"
)

type fakeDispatcher struct {
	snatches []snatch.Params
	actions  []action.Request
}

func (d *fakeDispatcher) EnqueueSnatch(p snatch.Params) { d.snatches = append(d.snatches, p) }
func (d *fakeDispatcher) EnqueueAction(r action.Request) { d.actions = append(d.actions, r) }

type fakeGateway struct {
	microCount  int
	validateErr error
}

func (g *fakeGateway) Validate(ctx context.Context, profile *types.Profile) error {
	return g.validateErr
}

func (g *fakeGateway) CountActiveInstancesOfShape(ctx context.Context, profile *types.Profile, shape string) (int, error) {
	return g.microCount, nil
}

func (g *fakeGateway) ListInstances(ctx context.Context, profile *types.Profile) ([]*types.InstanceView, error) {
	return nil, nil
}

func (g *fakeGateway) InstanceDetails(ctx context.Context, profile *types.Profile, instanceID string) (*provider.InstanceDetail, error) {
	return &provider.InstanceDetail{}, nil
}

func (g *fakeGateway) AvailableShapes(ctx context.Context, profile *types.Profile, osName, osVersion string) ([]string, error) {
	return nil, nil
}

func (g *fakeGateway) NetworkResources(ctx context.Context, profile *types.Profile) ([]provider.VcnSecurityLists, error) {
	return nil, nil
}

func (g *fakeGateway) SecurityList(ctx context.Context, profile *types.Profile, securityListID string) (core.SecurityList, error) {
	return core.SecurityList{}, nil
}

func (g *fakeGateway) UpdateSecurityRules(ctx context.Context, profile *types.Profile, securityListID string, ingress []core.IngressSecurityRule, egress []core.EgressSecurityRule) error {
	return nil
}

type testServer struct {
	server     *Server
	registry   *taskregistry.Store
	profiles   *profilestore.Store
	dispatcher *fakeDispatcher
	gateway    *fakeGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	profiles := profilestore.New(filepath.Join(dir, "profiles.json"), filepath.Join(dir, "key.json"))
	_, err := profiles.Upsert("acct-1", &types.Profile{
		TenancyID:           "ocid1.tenancy.oc1..t",
		Region:              "eu-frankfurt-1",
		DefaultSSHPublicKey: "ssh-rsa AAAA",
	})
	require.NoError(t, err)

	registry, err := taskregistry.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	dispatcher := &fakeDispatcher{}
	gateway := &fakeGateway{}
	settings := notify.NewSettings(filepath.Join(dir, "tg.json"), filepath.Join(dir, "cf.json"))

	server := NewServer(Config{}, profiles, registry, dispatcher, settings, gateway)
	return &testServer{server: server, registry: registry, profiles: profiles, dispatcher: dispatcher, gateway: gateway}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLaunchMicroRefusedByQuota(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.microCount = 2

	rec := ts.do(t, http.MethodPost, "/api/acct-1/launch-instance", map[string]any{
		"shape":               types.MicroShape,
		"display_name_prefix": "free-vm",
		"instance_count":      1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.dispatcher.snatches)

	rows, err := ts.registry.ListAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLaunchMicroAllowedUnderQuota(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.microCount = 1

	rec := ts.do(t, http.MethodPost, "/api/acct-1/launch-instance", map[string]any{
		"shape":               types.MicroShape,
		"display_name_prefix": "free-vm",
		"instance_count":      1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.TaskIDs, 1)
	require.Len(t, ts.dispatcher.snatches, 1)
	assert.Equal(t, resp.TaskIDs[0], ts.dispatcher.snatches[0].TaskID)
	assert.NotEmpty(t, ts.dispatcher.snatches[0].RunID)

	task, err := ts.registry.Get(resp.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, "acct-1", task.AccountAlias)
}

func TestLaunchMultipleSuffixesTaskNames(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/acct-1/launch-instance", map[string]any{
		"shape":               "VM.Standard.A1.Flex",
		"display_name_prefix": "arm-vm",
		"instance_count":      2,
		"ocpus":               4,
		"memory_in_gbs":       24,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, ts.dispatcher.snatches, 2)
	assert.Equal(t, "arm-vm-1", ts.dispatcher.snatches[0].Details.DisplayNamePrefix)
	assert.Equal(t, "arm-vm-2", ts.dispatcher.snatches[1].Details.DisplayNamePrefix)
}

func TestLaunchUnknownAliasRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/no-such/launch-instance", map[string]any{
		"shape":               "VM.Standard.A1.Flex",
		"display_name_prefix": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedRunningSnatch(t *testing.T, ts *testServer, runID string) string {
	t.Helper()
	id, err := ts.registry.Create(types.TaskTypeSnatch, "snatch", "acct-1")
	require.NoError(t, err)
	progress := types.SnatchProgress{
		RunID:        runID,
		AttemptCount: 7,
		Details:      types.SnatchDetails{Shape: "VM.Standard.A1.Flex", DisplayNamePrefix: "arm-vm"},
	}
	encoded, err := json.Marshal(&progress)
	require.NoError(t, err)
	require.NoError(t, ts.registry.SetRunning(id, string(encoded)))
	return id
}

func TestStopClearsRunIDAndPauses(t *testing.T) {
	ts := newTestServer(t)
	id := seedRunningSnatch(t, ts, "run-1")

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/stop", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := ts.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, task.Status)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(task.Result), &doc))
	_, hasRunID := doc["run_id"]
	assert.False(t, hasRunID)
	assert.Equal(t, "task paused by user", doc["last_message"])
	// The rest of the progress document survives the pause.
	assert.EqualValues(t, 7, doc["attempt_count"])
}

func TestResumeRedispatchesPausedTask(t *testing.T) {
	ts := newTestServer(t)
	id := seedRunningSnatch(t, ts, "run-1")
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/stop", id), nil).Code)

	rec := ts.do(t, http.MethodPost, "/api/tasks/resume", map[string]any{"task_ids": []string{id}})
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := ts.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)

	var progress types.SnatchProgress
	require.NoError(t, json.Unmarshal([]byte(task.Result), &progress))
	assert.NotEmpty(t, progress.RunID)
	assert.NotEqual(t, "run-1", progress.RunID)
	assert.Equal(t, 7, progress.AttemptCount)

	require.Len(t, ts.dispatcher.snatches, 1)
	assert.Equal(t, progress.RunID, ts.dispatcher.snatches[0].RunID)
}

func TestResumeSkipsNonPausedTasks(t *testing.T) {
	ts := newTestServer(t)
	id := seedRunningSnatch(t, ts, "run-1")

	rec := ts.do(t, http.MethodPost, "/api/tasks/resume", map[string]any{"task_ids": []string{id}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.dispatcher.snatches)
}

func TestDeleteRefusedWhileRunning(t *testing.T) {
	ts := newTestServer(t)
	id := seedRunningSnatch(t, ts, "run-1")

	rec := ts.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := ts.registry.Get(id)
	assert.NoError(t, err)
}

func TestTaskStatusNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/task_status/no-such-task", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestInstanceActionCreatesTaskAndEnqueues(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/acct-1/instance-action", map[string]any{
		"action":      "changeip",
		"instance_id": "ocid1.instance.oc1..demo",
		"vnic_id":     "ocid1.vnic.oc1..demo",
		"bind_domain": true,
		"_source":     "web",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ts.dispatcher.actions, 1)
	got := ts.dispatcher.actions[0]
	assert.Equal(t, action.OpChangeIP, got.Op)
	assert.Equal(t, "ocid1.vnic.oc1..demo", got.VnicID)
	assert.True(t, got.BindDomain)
	assert.True(t, got.WebOriginated)
	assert.True(t, got.PreserveBootVolume)
}

func TestProfilesRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/profiles", map[string]any{
		"alias": "acct-2",
		"profile_data": map[string]any{
			"tenancy_id": "ocid1.tenancy.oc1..u",
			"region":     "ap-tokyo-1",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, []string{"acct-1", "acct-2"}, order)

	rec = ts.do(t, http.MethodDelete, "/api/profiles/acct-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionValidationFailureRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.validateErr = &types.CredentialError{Msg: "bad key"}

	rec := ts.do(t, http.MethodPost, "/api/session", map[string]any{"alias": "acct-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionOpensAndResolvesAlias(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/session", map[string]any{"alias": "acct-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(cookies[0])
	got := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(got, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &body))
	assert.Equal(t, true, body["logged_in"])
	assert.Equal(t, "acct-1", body["alias"])
}

func TestBearerAuthRequiredWhenKeyConfigured(t *testing.T) {
	dir := t.TempDir()
	profiles := profilestore.New(filepath.Join(dir, "p.json"), filepath.Join(dir, "k.json"))
	registry, err := taskregistry.Open(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	settings := notify.NewSettings(filepath.Join(dir, "tg.json"), filepath.Join(dir, "cf.json"))

	server := NewServer(Config{PanelAPIKey: "sekrit"}, profiles, registry, &fakeDispatcher{}, settings, &fakeGateway{})

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
