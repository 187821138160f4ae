package action

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/oracle/oci-go-sdk/v65/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snatchd/snatchd/pkg/types"
)

type memRegistry struct {
	mu     sync.Mutex
	status types.TaskStatus
	result string
}

func (r *memRegistry) UpdateProgress(id, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	return nil
}

func (r *memRegistry) SetRunning(id, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.result = types.TaskStatusRunning, result
	return nil
}

func (r *memRegistry) SetSuccess(id, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.result = types.TaskStatusSuccess, result
	return nil
}

func (r *memRegistry) SetFailure(id, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.result = types.TaskStatusFailure, result
	return nil
}

type svcError struct {
	status int
	code   string
}

func (e svcError) Error() string           { return e.code }
func (e svcError) GetHTTPStatusCode() int  { return e.status }
func (e svcError) GetMessage() string      { return e.code }
func (e svcError) GetCode() string         { return e.code }
func (e svcError) GetOpcRequestID() string { return "req-1" }

type fakeCompute struct {
	lifecycleState core.InstanceLifecycleStateEnum
	getErr         error
	actionCalls    []core.InstanceActionActionEnum
	terminated     bool
	updated        *core.UpdateInstanceDetails
}

func (f *fakeCompute) GetInstance(ctx context.Context, req core.GetInstanceRequest) (core.GetInstanceResponse, error) {
	if f.getErr != nil {
		return core.GetInstanceResponse{}, f.getErr
	}
	name := "demo-vm"
	ad := "AD-1"
	return core.GetInstanceResponse{Instance: core.Instance{
		Id:                 req.InstanceId,
		DisplayName:        &name,
		AvailabilityDomain: &ad,
		LifecycleState:     f.lifecycleState,
	}}, nil
}

func (f *fakeCompute) InstanceAction(ctx context.Context, req core.InstanceActionRequest) (core.InstanceActionResponse, error) {
	f.actionCalls = append(f.actionCalls, req.Action)
	return core.InstanceActionResponse{}, nil
}

func (f *fakeCompute) TerminateInstance(ctx context.Context, req core.TerminateInstanceRequest) (core.TerminateInstanceResponse, error) {
	f.terminated = true
	f.getErr = svcError{status: 404, code: "NotAuthorizedOrNotFound"}
	return core.TerminateInstanceResponse{}, nil
}

func (f *fakeCompute) UpdateInstance(ctx context.Context, req core.UpdateInstanceRequest) (core.UpdateInstanceResponse, error) {
	details := req.UpdateInstanceDetails
	f.updated = &details
	return core.UpdateInstanceResponse{}, nil
}

func (f *fakeCompute) ListVnicAttachments(ctx context.Context, req core.ListVnicAttachmentsRequest) (core.ListVnicAttachmentsResponse, error) {
	vnicID := "ocid1.vnic.oc1..demo"
	return core.ListVnicAttachmentsResponse{Items: []core.VnicAttachment{{VnicId: &vnicID}}}, nil
}

func (f *fakeCompute) ListBootVolumeAttachments(ctx context.Context, req core.ListBootVolumeAttachmentsRequest) (core.ListBootVolumeAttachmentsResponse, error) {
	volID := "ocid1.bootvolume.oc1..demo"
	return core.ListBootVolumeAttachmentsResponse{Items: []core.BootVolumeAttachment{{BootVolumeId: &volID}}}, nil
}

type fakeNetwork struct {
	hasEphemeralIP bool
	deletedIPs     []string
	createdIP      string
	createdIPv6    string
}

func (f *fakeNetwork) ListPrivateIps(ctx context.Context, req core.ListPrivateIpsRequest) (core.ListPrivateIpsResponse, error) {
	id := "ocid1.privateip.oc1..demo"
	yes := true
	return core.ListPrivateIpsResponse{Items: []core.PrivateIp{{Id: &id, IsPrimary: &yes}}}, nil
}

func (f *fakeNetwork) GetPublicIpByPrivateIpId(ctx context.Context, req core.GetPublicIpByPrivateIpIdRequest) (core.GetPublicIpByPrivateIpIdResponse, error) {
	if !f.hasEphemeralIP {
		return core.GetPublicIpByPrivateIpIdResponse{}, svcError{status: 404, code: "NotAuthorizedOrNotFound"}
	}
	id := "ocid1.publicip.oc1..old"
	return core.GetPublicIpByPrivateIpIdResponse{PublicIp: core.PublicIp{
		Id:       &id,
		Lifetime: core.PublicIpLifetimeEphemeral,
	}}, nil
}

func (f *fakeNetwork) DeletePublicIp(ctx context.Context, req core.DeletePublicIpRequest) (core.DeletePublicIpResponse, error) {
	f.deletedIPs = append(f.deletedIPs, *req.PublicIpId)
	return core.DeletePublicIpResponse{}, nil
}

func (f *fakeNetwork) CreatePublicIp(ctx context.Context, req core.CreatePublicIpRequest) (core.CreatePublicIpResponse, error) {
	f.createdIP = "198.51.100.4"
	return core.CreatePublicIpResponse{PublicIp: core.PublicIp{IpAddress: &f.createdIP}}, nil
}

func (f *fakeNetwork) CreateIpv6(ctx context.Context, req core.CreateIpv6Request) (core.CreateIpv6Response, error) {
	f.createdIPv6 = "2603:c020:4001:aa00::1"
	return core.CreateIpv6Response{Ipv6: core.Ipv6{IpAddress: &f.createdIPv6}}, nil
}

type fakeBlockStorage struct {
	updated *core.UpdateBootVolumeDetails
}

func (f *fakeBlockStorage) UpdateBootVolume(ctx context.Context, req core.UpdateBootVolumeRequest) (core.UpdateBootVolumeResponse, error) {
	details := req.UpdateBootVolumeDetails
	f.updated = &details
	return core.UpdateBootVolumeResponse{}, nil
}

type fakeIPv6Enabler struct {
	calls int
}

func (f *fakeIPv6Enabler) EnableIPv6(ctx context.Context, vnicID string, report func(msg string)) error {
	f.calls++
	return nil
}

type fakeDNS struct{}

func (fakeDNS) UpsertA(subdomain, ip string) string {
	return fmt.Sprintf("✅ Cloudflare DNS record: %s.example.com -> %s", subdomain, ip)
}

func (fakeDNS) UpsertAAAA(subdomain, ip string) string {
	return fmt.Sprintf("✅ Cloudflare DNS record: %s.example.com -> %s", subdomain, ip)
}

type countingNotifier struct {
	sent []string
}

func (n *countingNotifier) Telegram(text string) { n.sent = append(n.sent, text) }

func testClients(compute *fakeCompute, net *fakeNetwork, bs *fakeBlockStorage) clients {
	return clients{
		compute:      compute,
		network:      net,
		blockStorage: bs,
		ipv6:         &fakeIPv6Enabler{},
		tenancyID:    "tenancy-1",
	}
}

func TestChangeIPDeletesEphemeralThenCreatesAndBindsDNS(t *testing.T) {
	prev := changeIPSettleDelay
	changeIPSettleDelay = 0
	defer func() { changeIPSettleDelay = prev }()

	registry := &memRegistry{}
	x := New(registry, nil, nil, fakeDNS{}, nil)
	compute := &fakeCompute{lifecycleState: core.InstanceLifecycleStateRunning}
	net := &fakeNetwork{hasEphemeralIP: true}

	result, err := x.run(context.Background(), testClients(compute, net, nil), Request{
		TaskID:     "task-1",
		Alias:      "acct-1",
		Op:         OpChangeIP,
		InstanceID: "ocid1.instance.oc1..demo",
		BindDomain: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ocid1.publicip.oc1..old"}, net.deletedIPs)
	assert.Contains(t, result, "更换IP成功")
	assert.Contains(t, result, "198.51.100.4")
	assert.Contains(t, result, "Cloudflare DNS record: demo-vm.example.com")
}

func TestChangeIPWithNoExistingPublicIPSkipsDelete(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	net := &fakeNetwork{hasEphemeralIP: false}

	result, err := x.run(context.Background(), testClients(&fakeCompute{}, net, nil), Request{
		TaskID:     "task-1",
		Op:         OpChangeIP,
		InstanceID: "ocid1.instance.oc1..demo",
	})
	require.NoError(t, err)
	assert.Empty(t, net.deletedIPs)
	assert.Contains(t, result, "198.51.100.4")
}

func TestAssignIPv6EnablesNetworkingFirst(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, fakeDNS{}, nil)
	net := &fakeNetwork{}
	cs := testClients(&fakeCompute{}, net, nil)
	enabler := cs.ipv6.(*fakeIPv6Enabler)

	result, err := x.run(context.Background(), cs, Request{
		TaskID:     "task-1",
		Op:         OpAssignIPv6,
		InstanceID: "ocid1.instance.oc1..demo",
		BindDomain: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, enabler.calls)
	assert.Contains(t, result, net.createdIPv6)
	assert.Contains(t, result, "Cloudflare DNS record")
}

func TestPowerActionWaitsForTargetState(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	compute := &fakeCompute{lifecycleState: core.InstanceLifecycleStateRunning}

	result, err := x.run(context.Background(), testClients(compute, nil, nil), Request{
		TaskID:     "task-1",
		Op:         OpStart,
		InstanceID: "ocid1.instance.oc1..demo",
	})
	require.NoError(t, err)
	assert.Equal(t, []core.InstanceActionActionEnum{core.InstanceActionActionStart}, compute.actionCalls)
	assert.Contains(t, result, "START")
}

func TestTerminateSucceedsOn404AfterDelete(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	compute := &fakeCompute{lifecycleState: core.InstanceLifecycleStateTerminating}

	result, err := x.run(context.Background(), testClients(compute, nil, nil), Request{
		TaskID:             "task-1",
		Op:                 OpTerminate,
		InstanceID:         "ocid1.instance.oc1..demo",
		PreserveBootVolume: true,
	})
	require.NoError(t, err)
	assert.True(t, compute.terminated)
	assert.Contains(t, result, "terminated")
}

func TestReshapeRequiresStoppedInstance(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	compute := &fakeCompute{lifecycleState: core.InstanceLifecycleStateRunning}

	_, err := x.run(context.Background(), testClients(compute, nil, nil), Request{
		TaskID:       "task-1",
		Op:           OpReshape,
		InstanceID:   "ocid1.instance.oc1..demo",
		NewOCPUs:     2,
		NewMemoryGBs: 12,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be STOPPED")
	assert.Nil(t, compute.updated)
}

func TestReshapeAppliesShapeConfigWhenStopped(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	compute := &fakeCompute{lifecycleState: core.InstanceLifecycleStateStopped}

	result, err := x.run(context.Background(), testClients(compute, nil, nil), Request{
		TaskID:       "task-1",
		Op:           OpReshape,
		InstanceID:   "ocid1.instance.oc1..demo",
		NewOCPUs:     2,
		NewMemoryGBs: 12,
	})
	require.NoError(t, err)
	require.NotNil(t, compute.updated)
	require.NotNil(t, compute.updated.ShapeConfig)
	assert.Equal(t, float32(2), *compute.updated.ShapeConfig.Ocpus)
	assert.Contains(t, result, "CPU/memory")
}

func TestResizeBootVolume(t *testing.T) {
	registry := &memRegistry{}
	x := New(registry, nil, nil, nil, nil)
	bs := &fakeBlockStorage{}

	_, err := x.run(context.Background(), testClients(&fakeCompute{}, nil, bs), Request{
		TaskID:              "task-1",
		Op:                  OpResizeBootVolume,
		InstanceID:          "ocid1.instance.oc1..demo",
		NewBootVolumeSizeGB: 100,
	})
	require.NoError(t, err)
	require.NotNil(t, bs.updated)
	assert.Equal(t, int64(100), *bs.updated.SizeInGBs)
	assert.Nil(t, bs.updated.VpusPerGB)
}

type emptyProfiles struct{}

func (emptyProfiles) Get(alias string) (*types.Profile, error) { return nil, types.ErrNotFound }

func TestExecuteNotifiesOnFailureUnlessWebOriginated(t *testing.T) {
	registry := &memRegistry{}
	notifier := &countingNotifier{}
	x := New(registry, emptyProfiles{}, notifier, nil, nil)

	x.Execute(context.Background(), Request{TaskID: "task-1", Alias: "gone", Op: OpStart, InstanceID: "i"})
	assert.Equal(t, types.TaskStatusFailure, registry.status)
	assert.Contains(t, registry.result, "❌")
	assert.Len(t, notifier.sent, 1)

	x.Execute(context.Background(), Request{TaskID: "task-2", Alias: "gone", Op: OpStart, InstanceID: "i", WebOriginated: true})
	assert.Len(t, notifier.sent, 1)
}
