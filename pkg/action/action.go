// Package action implements ActionExecutor: one-shot instance operations
// (power, terminate, change-IP, assign-IPv6, rename, reshape, resize boot
// volume), each run as a task of type action. Like the snatch engine it
// never imports the task registry; it is handed a narrow Registry view.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/network"
	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/types"
)

// Op is one executable instance operation.
type Op string

const (
	OpStart            Op = "START"
	OpStop             Op = "STOP"
	OpRestart          Op = "RESTART"
	OpTerminate        Op = "TERMINATE"
	OpChangeIP         Op = "CHANGEIP"
	OpAssignIPv6       Op = "ASSIGNIPV6"
	OpRename           Op = "RENAME"
	OpReshape          Op = "RESHAPE"
	OpResizeBootVolume Op = "RESIZE_BOOT_VOLUME"
)

// Registry is the subset of TaskRegistry the executor mutates.
type Registry interface {
	UpdateProgress(id, result string) error
	SetRunning(id, result string) error
	SetSuccess(id, result string) error
	SetFailure(id, result string) error
}

// ProfileReader is the subset of ProfileStore the executor needs.
type ProfileReader interface {
	Get(alias string) (*types.Profile, error)
}

// Notifier sends a best-effort outbound message.
type Notifier interface {
	Telegram(text string)
}

// DNSBinder upserts DNS records, returning a one-line status.
type DNSBinder interface {
	UpsertA(subdomain, ip string) string
	UpsertAAAA(subdomain, ip string) string
}

// IPv6Enabler runs the idempotent IPv6 network enablement for a VNIC.
type IPv6Enabler interface {
	EnableIPv6(ctx context.Context, vnicID string, report func(msg string)) error
}

// ComputeAPI is the compute-client subset the executor calls through.
// core.ComputeClient satisfies it structurally.
type ComputeAPI interface {
	GetInstance(ctx context.Context, request core.GetInstanceRequest) (core.GetInstanceResponse, error)
	InstanceAction(ctx context.Context, request core.InstanceActionRequest) (core.InstanceActionResponse, error)
	TerminateInstance(ctx context.Context, request core.TerminateInstanceRequest) (core.TerminateInstanceResponse, error)
	UpdateInstance(ctx context.Context, request core.UpdateInstanceRequest) (core.UpdateInstanceResponse, error)
	ListVnicAttachments(ctx context.Context, request core.ListVnicAttachmentsRequest) (core.ListVnicAttachmentsResponse, error)
	ListBootVolumeAttachments(ctx context.Context, request core.ListBootVolumeAttachmentsRequest) (core.ListBootVolumeAttachmentsResponse, error)
}

// NetworkAPI is the virtual-network-client subset the executor calls
// through for IP management.
type NetworkAPI interface {
	ListPrivateIps(ctx context.Context, request core.ListPrivateIpsRequest) (core.ListPrivateIpsResponse, error)
	GetPublicIpByPrivateIpId(ctx context.Context, request core.GetPublicIpByPrivateIpIdRequest) (core.GetPublicIpByPrivateIpIdResponse, error)
	DeletePublicIp(ctx context.Context, request core.DeletePublicIpRequest) (core.DeletePublicIpResponse, error)
	CreatePublicIp(ctx context.Context, request core.CreatePublicIpRequest) (core.CreatePublicIpResponse, error)
	CreateIpv6(ctx context.Context, request core.CreateIpv6Request) (core.CreateIpv6Response, error)
}

// BlockStorageAPI is the block-storage subset the executor calls through.
type BlockStorageAPI interface {
	UpdateBootVolume(ctx context.Context, request core.UpdateBootVolumeRequest) (core.UpdateBootVolumeResponse, error)
}

// clients is the resolved set of typed API views for one execution.
type clients struct {
	compute      ComputeAPI
	network      NetworkAPI
	blockStorage BlockStorageAPI
	ipv6         IPv6Enabler
	tenancyID    string
}

// Request describes one action dispatch.
type Request struct {
	TaskID     string
	Alias      string
	Op         Op
	InstanceID string
	VnicID     string

	// Op-specific parameters.
	PreserveBootVolume  bool
	BindDomain          bool
	NewName             string
	NewOCPUs            float32
	NewMemoryGBs        float32
	NewBootVolumeSizeGB int64
	NewVpusPerGB        int64

	// WebOriginated suppresses the Telegram notification; the caller is
	// already watching the task row.
	WebOriginated bool
}

// BundleFactory constructs a provider client bundle for a profile.
type BundleFactory func(ctx context.Context, profile *types.Profile) (*provider.Bundle, error)

// Executor runs one-shot instance operations to terminal task states.
type Executor struct {
	registry  Registry
	profiles  ProfileReader
	notifier  Notifier
	dns       DNSBinder
	newBundle BundleFactory
}

// New constructs an Executor. dns and notifier may be nil when the
// corresponding sink is unconfigured.
func New(registry Registry, profiles ProfileReader, notifier Notifier, dns DNSBinder, newBundle BundleFactory) *Executor {
	return &Executor{
		registry:  registry,
		profiles:  profiles,
		notifier:  notifier,
		dns:       dns,
		newBundle: newBundle,
	}
}

// Execute runs req to a terminal task state. It is meant to be called
// from its own goroutine; all errors terminate in the task row, none
// propagate.
func (x *Executor) Execute(ctx context.Context, req Request) {
	_ = x.registry.SetRunning(req.TaskID, "executing operation...")

	result, err := x.dispatch(ctx, req)
	title := fmt.Sprintf("%s on %s", req.Op, req.InstanceID)

	if err != nil {
		err = provider.WrapError(err)
		metrics.ActionsTotal.WithLabelValues(string(req.Op), "failure").Inc()
		msg := fmt.Sprintf("❌ operation failed: %v", err)
		_ = x.registry.SetFailure(req.TaskID, msg)
		x.notify(req, title, msg)
		return
	}

	metrics.ActionsTotal.WithLabelValues(string(req.Op), "success").Inc()
	_ = x.registry.SetSuccess(req.TaskID, result)
	x.notify(req, title, result)
}

func (x *Executor) dispatch(ctx context.Context, req Request) (string, error) {
	profile, err := x.profiles.Get(req.Alias)
	if err != nil {
		return "", &types.ValidationError{Msg: fmt.Sprintf("profile %q not found", req.Alias)}
	}

	bundle, err := x.newBundle(ctx, profile)
	if err != nil {
		return "", fmt.Errorf("provider construction failed: %w", err)
	}

	cs := clients{
		compute:      bundle.Compute,
		network:      bundle.Network,
		blockStorage: bundle.BlockStorage,
		ipv6:         network.New(bundle, nil),
		tenancyID:    bundle.TenancyID,
	}
	return x.run(ctx, cs, req)
}

func (x *Executor) run(ctx context.Context, cs clients, req Request) (string, error) {
	switch req.Op {
	case OpStart, OpStop, OpRestart:
		return x.powerAction(ctx, cs, req)
	case OpTerminate:
		return x.terminate(ctx, cs, req)
	case OpChangeIP:
		return x.changeIP(ctx, cs, req)
	case OpAssignIPv6:
		return x.assignIPv6(ctx, cs, req)
	case OpRename:
		return x.rename(ctx, cs, req)
	case OpReshape:
		return x.reshape(ctx, cs, req)
	case OpResizeBootVolume:
		return x.resizeBootVolume(ctx, cs, req)
	default:
		return "", &types.ValidationError{Msg: fmt.Sprintf("unknown operation %q", req.Op)}
	}
}

// changeIPSettleDelay gives the provider time to release a deleted
// ephemeral IP before a new one is requested against the same private IP.
var changeIPSettleDelay = 5 * time.Second

var powerActions = map[Op]struct {
	action core.InstanceActionActionEnum
	target core.InstanceLifecycleStateEnum
}{
	OpStart:   {core.InstanceActionActionStart, core.InstanceLifecycleStateRunning},
	OpStop:    {core.InstanceActionActionStop, core.InstanceLifecycleStateStopped},
	OpRestart: {core.InstanceActionActionSoftreset, core.InstanceLifecycleStateRunning},
}

func (x *Executor) powerAction(ctx context.Context, cs clients, req Request) (string, error) {
	pa := powerActions[req.Op]
	if _, err := cs.compute.InstanceAction(ctx, core.InstanceActionRequest{
		InstanceId: &req.InstanceID,
		Action:     pa.action,
	}); err != nil {
		return "", fmt.Errorf("instance action %s: %w", req.Op, err)
	}

	_ = x.registry.UpdateProgress(req.TaskID, fmt.Sprintf("waiting for instance to reach %s...", pa.target))
	if err := waitLifecycleState(ctx, cs.compute, req.InstanceID, pa.target, false); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ instance %s completed", req.Op), nil
}

func (x *Executor) terminate(ctx context.Context, cs clients, req Request) (string, error) {
	if _, err := cs.compute.TerminateInstance(ctx, core.TerminateInstanceRequest{
		InstanceId:         &req.InstanceID,
		PreserveBootVolume: &req.PreserveBootVolume,
	}); err != nil {
		return "", fmt.Errorf("terminate instance: %w", err)
	}

	_ = x.registry.UpdateProgress(req.TaskID, "waiting for instance to reach TERMINATED...")
	if err := waitLifecycleState(ctx, cs.compute, req.InstanceID, core.InstanceLifecycleStateTerminated, true); err != nil {
		return "", err
	}
	return "✅ instance terminated", nil
}

func (x *Executor) changeIP(ctx context.Context, cs clients, req Request) (string, error) {
	vnicID, err := x.resolveVnic(ctx, cs, req)
	if err != nil {
		return "", err
	}

	ipsResp, err := cs.network.ListPrivateIps(ctx, core.ListPrivateIpsRequest{VnicId: &vnicID})
	if err != nil {
		return "", fmt.Errorf("list private ips: %w", err)
	}
	var primary *core.PrivateIp
	for i := range ipsResp.Items {
		if ipsResp.Items[i].IsPrimary != nil && *ipsResp.Items[i].IsPrimary {
			primary = &ipsResp.Items[i]
			break
		}
	}
	if primary == nil {
		return "", fmt.Errorf("no primary private IP on vnic %s", vnicID)
	}

	existing, err := cs.network.GetPublicIpByPrivateIpId(ctx, core.GetPublicIpByPrivateIpIdRequest{
		GetPublicIpByPrivateIpIdDetails: core.GetPublicIpByPrivateIpIdDetails{PrivateIpId: primary.Id},
	})
	switch {
	case err == nil:
		if existing.PublicIp.Lifetime == core.PublicIpLifetimeEphemeral {
			if _, err := cs.network.DeletePublicIp(ctx, core.DeletePublicIpRequest{PublicIpId: existing.PublicIp.Id}); err != nil {
				return "", fmt.Errorf("delete ephemeral public ip: %w", err)
			}
			sleepCtx(ctx, changeIPSettleDelay)
		}
	case !isNotFound(err):
		return "", fmt.Errorf("look up existing public ip: %w", err)
	}

	created, err := cs.network.CreatePublicIp(ctx, core.CreatePublicIpRequest{
		CreatePublicIpDetails: core.CreatePublicIpDetails{
			CompartmentId: &cs.tenancyID,
			Lifetime:      core.CreatePublicIpDetailsLifetimeEphemeral,
			PrivateIpId:   primary.Id,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create public ip: %w", err)
	}
	newIP := deref(created.PublicIp.IpAddress)
	result := fmt.Sprintf("✅ 更换IP成功，新IP: %s", newIP)

	if req.BindDomain && x.dns != nil {
		name, err := x.instanceName(ctx, cs, req.InstanceID)
		if err == nil {
			result += "\n" + x.dns.UpsertA(name, newIP)
		}
	}
	return result, nil
}

func (x *Executor) assignIPv6(ctx context.Context, cs clients, req Request) (string, error) {
	vnicID, err := x.resolveVnic(ctx, cs, req)
	if err != nil {
		return "", err
	}

	report := func(msg string) { _ = x.registry.UpdateProgress(req.TaskID, msg) }
	if err := cs.ipv6.EnableIPv6(ctx, vnicID, report); err != nil {
		return "", fmt.Errorf("enable ipv6 networking: %w", err)
	}

	_ = x.registry.UpdateProgress(req.TaskID, "network configured, assigning IPv6 address...")
	created, err := cs.network.CreateIpv6(ctx, core.CreateIpv6Request{
		CreateIpv6Details: core.CreateIpv6Details{VnicId: &vnicID},
	})
	if err != nil {
		return "", fmt.Errorf("create ipv6: %w", err)
	}
	addr := deref(created.Ipv6.IpAddress)
	result := fmt.Sprintf("✅ assigned IPv6 address: %s", addr)

	if req.BindDomain && x.dns != nil {
		name, err := x.instanceName(ctx, cs, req.InstanceID)
		if err == nil {
			result += "\n" + x.dns.UpsertAAAA(name, addr)
		}
	}
	return result, nil
}

func (x *Executor) rename(ctx context.Context, cs clients, req Request) (string, error) {
	if req.NewName == "" {
		return "", &types.ValidationError{Msg: "no new name supplied"}
	}
	if _, err := cs.compute.UpdateInstance(ctx, core.UpdateInstanceRequest{
		InstanceId:            &req.InstanceID,
		UpdateInstanceDetails: core.UpdateInstanceDetails{DisplayName: &req.NewName},
	}); err != nil {
		return "", fmt.Errorf("update display name: %w", err)
	}
	return fmt.Sprintf("✅ instance renamed to %s", req.NewName), nil
}

func (x *Executor) reshape(ctx context.Context, cs clients, req Request) (string, error) {
	instResp, err := cs.compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &req.InstanceID})
	if err != nil {
		return "", fmt.Errorf("get instance: %w", err)
	}
	if instResp.Instance.LifecycleState != core.InstanceLifecycleStateStopped {
		return "", &types.ValidationError{Msg: fmt.Sprintf(
			"instance must be STOPPED before changing CPU/memory, current state is %s", instResp.Instance.LifecycleState)}
	}

	details := core.UpdateInstanceDetails{
		ShapeConfig: &core.UpdateInstanceShapeConfigDetails{
			Ocpus:       &req.NewOCPUs,
			MemoryInGBs: &req.NewMemoryGBs,
		},
	}
	if req.NewName != "" {
		details.DisplayName = &req.NewName
	}
	if _, err := cs.compute.UpdateInstance(ctx, core.UpdateInstanceRequest{
		InstanceId:            &req.InstanceID,
		UpdateInstanceDetails: details,
	}); err != nil {
		return "", fmt.Errorf("update shape config: %w", err)
	}
	return "✅ CPU/memory configuration updated, start the instance manually", nil
}

func (x *Executor) resizeBootVolume(ctx context.Context, cs clients, req Request) (string, error) {
	if req.NewBootVolumeSizeGB == 0 && req.NewVpusPerGB == 0 {
		return "", &types.ValidationError{Msg: "no boot volume changes supplied"}
	}

	instResp, err := cs.compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &req.InstanceID})
	if err != nil {
		return "", fmt.Errorf("get instance: %w", err)
	}
	attResp, err := cs.compute.ListBootVolumeAttachments(ctx, core.ListBootVolumeAttachmentsRequest{
		AvailabilityDomain: instResp.Instance.AvailabilityDomain,
		CompartmentId:      &cs.tenancyID,
		InstanceId:         &req.InstanceID,
	})
	if err != nil {
		return "", fmt.Errorf("list boot volume attachments: %w", err)
	}
	if len(attResp.Items) == 0 {
		return "", fmt.Errorf("no boot volume attached to instance")
	}

	details := core.UpdateBootVolumeDetails{}
	if req.NewBootVolumeSizeGB > 0 {
		details.SizeInGBs = &req.NewBootVolumeSizeGB
	}
	if req.NewVpusPerGB > 0 {
		details.VpusPerGB = &req.NewVpusPerGB
	}
	if _, err := cs.blockStorage.UpdateBootVolume(ctx, core.UpdateBootVolumeRequest{
		BootVolumeId:            attResp.Items[0].BootVolumeId,
		UpdateBootVolumeDetails: details,
	}); err != nil {
		return "", fmt.Errorf("update boot volume: %w", err)
	}
	return "✅ boot volume updated", nil
}

// resolveVnic returns the request's VNIC id, looking up the instance's
// primary attachment when the caller did not supply one.
func (x *Executor) resolveVnic(ctx context.Context, cs clients, req Request) (string, error) {
	if req.VnicID != "" {
		return req.VnicID, nil
	}
	attResp, err := cs.compute.ListVnicAttachments(ctx, core.ListVnicAttachmentsRequest{
		CompartmentId: &cs.tenancyID,
		InstanceId:    &req.InstanceID,
	})
	if err != nil {
		return "", fmt.Errorf("list vnic attachments: %w", err)
	}
	if len(attResp.Items) == 0 {
		return "", fmt.Errorf("no vnic attached to instance %s", req.InstanceID)
	}
	return deref(attResp.Items[0].VnicId), nil
}

func (x *Executor) instanceName(ctx context.Context, cs clients, instanceID string) (string, error) {
	resp, err := cs.compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
	if err != nil {
		return "", err
	}
	return deref(resp.Instance.DisplayName), nil
}

func (x *Executor) notify(req Request, title, result string) {
	if req.WebOriginated || x.notifier == nil {
		return
	}
	x.notifier.Telegram(fmt.Sprintf(
		"🔔 *task finished*\n\n*account*: `%s`\n*task*: `%s`\n\n*result*:\n%s",
		req.Alias, title, result,
	))
}

// waitLifecycleState polls GetInstance until the instance reaches target,
// bounded at 300s. succeedOnNotFound treats a 404 as reaching the target,
// which terminate needs once the instance record is garbage-collected.
func waitLifecycleState(ctx context.Context, compute ComputeAPI, instanceID string, target core.InstanceLifecycleStateEnum, succeedOnNotFound bool) error {
	deadline := time.Now().Add(300 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
		if err != nil {
			if succeedOnNotFound && isNotFound(err) {
				return nil
			}
			return fmt.Errorf("poll instance state: %w", err)
		}
		if resp.Instance.LifecycleState == target {
			return nil
		}
		if !sleepCtx(ctx, 5*time.Second) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("timed out waiting for instance %s to reach %s", instanceID, target)
}

func isNotFound(err error) bool {
	svcErr, ok := common.IsServiceError(err)
	return ok && svcErr.GetHTTPStatusCode() == 404
}

// sleepCtx sleeps for d or until ctx is done; it reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
