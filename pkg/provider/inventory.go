package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/types"
)

// Read-side inventory calls backing the instance table, the reshape/resize
// pre-fill, the shape picker, and the security-rule editor. These are all
// session-scoped reads; mutations stay with the action executor.

// ListInstances returns every instance in the tenancy with its derived
// network and boot-volume fields. Detail lookups for a single instance are
// tolerated to fail (it may be mid-termination); the row is returned with
// whatever could be resolved.
func (b *Bundle) ListInstances(ctx context.Context) ([]*types.InstanceView, error) {
	logger := log.WithComponent("provider")

	instances, err := b.listAllInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider: list instances: %w", err)
	}

	views := make([]*types.InstanceView, 0, len(instances))
	for _, inst := range instances {
		view := &types.InstanceView{
			ID:                 deref(inst.Id),
			DisplayName:        deref(inst.DisplayName),
			Shape:              deref(inst.Shape),
			LifecycleState:     string(inst.LifecycleState),
			AvailabilityDomain: deref(inst.AvailabilityDomain),
		}
		if inst.LifecycleState != core.InstanceLifecycleStateTerminated &&
			inst.LifecycleState != core.InstanceLifecycleStateTerminating {
			if err := b.fillInstanceNetwork(ctx, view); err != nil {
				logger.Warn().Err(err).Str("instance", view.DisplayName).Msg("could not resolve instance network details")
			}
			if err := b.fillBootVolume(ctx, view, deref(inst.AvailabilityDomain)); err != nil {
				logger.Warn().Err(err).Str("instance", view.DisplayName).Msg("could not resolve instance boot volume")
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (b *Bundle) listAllInstances(ctx context.Context) ([]core.Instance, error) {
	var all []core.Instance
	var page *string
	for {
		resp, err := b.Compute.ListInstances(ctx, core.ListInstancesRequest{
			CompartmentId: &b.TenancyID,
			Page:          page,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Items...)
		if resp.OpcNextPage == nil {
			return all, nil
		}
		page = resp.OpcNextPage
	}
}

func (b *Bundle) fillInstanceNetwork(ctx context.Context, view *types.InstanceView) error {
	attResp, err := b.Compute.ListVnicAttachments(ctx, core.ListVnicAttachmentsRequest{
		CompartmentId: &b.TenancyID,
		InstanceId:    &view.ID,
	})
	if err != nil || len(attResp.Items) == 0 {
		return err
	}
	vnicID := deref(attResp.Items[0].VnicId)
	view.PrimaryVnicID = vnicID

	vnicResp, err := b.Network.GetVnic(ctx, core.GetVnicRequest{VnicId: &vnicID})
	if err != nil {
		return err
	}
	view.PublicIP = deref(vnicResp.Vnic.PublicIp)

	ipv6Resp, err := b.Network.ListIpv6s(ctx, core.ListIpv6sRequest{VnicId: &vnicID})
	if err != nil {
		return err
	}
	if len(ipv6Resp.Items) > 0 {
		view.IPv6 = deref(ipv6Resp.Items[0].IpAddress)
	}
	return nil
}

func (b *Bundle) fillBootVolume(ctx context.Context, view *types.InstanceView, availabilityDomain string) error {
	attResp, err := b.Compute.ListBootVolumeAttachments(ctx, core.ListBootVolumeAttachmentsRequest{
		AvailabilityDomain: &availabilityDomain,
		CompartmentId:      &b.TenancyID,
		InstanceId:         &view.ID,
	})
	if err != nil || len(attResp.Items) == 0 {
		return err
	}
	bootVolumeID := deref(attResp.Items[0].BootVolumeId)
	view.BootVolumeID = bootVolumeID

	volResp, err := b.BlockStorage.GetBootVolume(ctx, core.GetBootVolumeRequest{BootVolumeId: &bootVolumeID})
	if err != nil {
		return err
	}
	if volResp.BootVolume.SizeInGBs != nil {
		view.BootVolumeSizeGB = *volResp.BootVolume.SizeInGBs
	}
	return nil
}

// InstanceDetail is the single-instance projection backing the reshape and
// resize-boot-volume form pre-fill.
type InstanceDetail struct {
	DisplayName      string  `json:"display_name"`
	Shape            string  `json:"shape"`
	OCPUs            float32 `json:"ocpus"`
	MemoryInGBs      float32 `json:"memory_in_gbs"`
	BootVolumeID     string  `json:"boot_volume_id"`
	BootVolumeSizeGB int64   `json:"boot_volume_size_in_gbs"`
	VpusPerGB        int64   `json:"vpus_per_gb"`
}

// InstanceDetails fetches one instance plus its boot volume geometry.
func (b *Bundle) InstanceDetails(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	instResp, err := b.Compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
	if err != nil {
		return nil, fmt.Errorf("provider: get instance: %w", err)
	}
	inst := instResp.Instance

	detail := &InstanceDetail{
		DisplayName: deref(inst.DisplayName),
		Shape:       deref(inst.Shape),
	}
	if inst.ShapeConfig != nil {
		if inst.ShapeConfig.Ocpus != nil {
			detail.OCPUs = *inst.ShapeConfig.Ocpus
		}
		if inst.ShapeConfig.MemoryInGBs != nil {
			detail.MemoryInGBs = *inst.ShapeConfig.MemoryInGBs
		}
	}

	attResp, err := b.Compute.ListBootVolumeAttachments(ctx, core.ListBootVolumeAttachmentsRequest{
		AvailabilityDomain: inst.AvailabilityDomain,
		CompartmentId:      &b.TenancyID,
		InstanceId:         &instanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: list boot volume attachments: %w", err)
	}
	if len(attResp.Items) == 0 {
		return nil, fmt.Errorf("provider: no boot volume attached to instance %s", instanceID)
	}

	volResp, err := b.BlockStorage.GetBootVolume(ctx, core.GetBootVolumeRequest{BootVolumeId: attResp.Items[0].BootVolumeId})
	if err != nil {
		return nil, fmt.Errorf("provider: get boot volume: %w", err)
	}
	detail.BootVolumeID = deref(volResp.BootVolume.Id)
	if volResp.BootVolume.SizeInGBs != nil {
		detail.BootVolumeSizeGB = *volResp.BootVolume.SizeInGBs
	}
	if volResp.BootVolume.VpusPerGB != nil {
		detail.VpusPerGB = *volResp.BootVolume.VpusPerGB
	}
	return detail, nil
}

// AvailableShapes returns the ARM/AMD VM shapes in the tenancy for which a
// compatible image exists, with the Always Free shapes sorted first.
func (b *Bundle) AvailableShapes(ctx context.Context, osName, osVersion string) ([]string, error) {
	var shapes []core.Shape
	var page *string
	for {
		resp, err := b.Compute.ListShapes(ctx, core.ListShapesRequest{
			CompartmentId: &b.TenancyID,
			Page:          page,
		})
		if err != nil {
			return nil, fmt.Errorf("provider: list shapes: %w", err)
		}
		shapes = append(shapes, resp.Items...)
		if resp.OpcNextPage == nil {
			break
		}
		page = resp.OpcNextPage
	}

	seen := make(map[string]bool)
	var candidates []string
	for _, shape := range shapes {
		name := deref(shape.Shape)
		if !strings.HasPrefix(name, "VM.") || seen[name] {
			continue
		}
		proc := strings.ToLower(deref(shape.ProcessorDescription))
		if !strings.Contains(proc, "ampere") && !strings.Contains(proc, "amd") {
			continue
		}
		seen[name] = true
		candidates = append(candidates, name)
	}

	limit := 1
	var valid []string
	for _, name := range candidates {
		shapeName := name
		resp, err := b.Compute.ListImages(ctx, core.ListImagesRequest{
			CompartmentId:          &b.TenancyID,
			OperatingSystem:        &osName,
			OperatingSystemVersion: &osVersion,
			Shape:                  &shapeName,
			Limit:                  &limit,
		})
		if err != nil {
			if _, ok := common.IsServiceError(err); ok {
				continue
			}
			return nil, fmt.Errorf("provider: check image compatibility for %s: %w", name, err)
		}
		if len(resp.Items) > 0 {
			valid = append(valid, name)
		}
	}

	sort.Slice(valid, func(i, j int) bool {
		return shapeSortKey(valid[i]) < shapeSortKey(valid[j])
	})
	return valid, nil
}

func shapeSortKey(shape string) string {
	if strings.Contains(shape, "E2.1.Micro") || strings.Contains(shape, "A1.Flex") {
		return "0" + shape
	}
	return "1" + shape
}

// CountActiveInstancesOfShape counts non-terminated instances of shape,
// backing the pre-flight Micro quota check.
func (b *Bundle) CountActiveInstancesOfShape(ctx context.Context, shape string) (int, error) {
	instances, err := b.listAllInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("provider: list instances for quota check: %w", err)
	}
	count := 0
	for _, inst := range instances {
		if inst.LifecycleState == core.InstanceLifecycleStateTerminated ||
			inst.LifecycleState == core.InstanceLifecycleStateTerminating {
			continue
		}
		if deref(inst.Shape) == shape {
			count++
		}
	}
	return count, nil
}

// SecurityListRef names one security list inside a VCN.
type SecurityListRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// VcnSecurityLists pairs a VCN with its security lists, for the
// security-rule editor's resource picker.
type VcnSecurityLists struct {
	VcnID         string            `json:"vcn_id"`
	VcnName       string            `json:"vcn_name"`
	SecurityLists []SecurityListRef `json:"security_lists"`
}

// NetworkResources lists every AVAILABLE VCN together with its AVAILABLE
// security lists, both name-sorted.
func (b *Bundle) NetworkResources(ctx context.Context) ([]VcnSecurityLists, error) {
	vcnResp, err := b.Network.ListVcns(ctx, core.ListVcnsRequest{CompartmentId: &b.TenancyID})
	if err != nil {
		return nil, fmt.Errorf("provider: list vcns: %w", err)
	}

	var out []VcnSecurityLists
	for _, vcn := range vcnResp.Items {
		if vcn.LifecycleState != core.VcnLifecycleStateAvailable {
			continue
		}
		slResp, err := b.Network.ListSecurityLists(ctx, core.ListSecurityListsRequest{
			CompartmentId: &b.TenancyID,
			VcnId:         vcn.Id,
		})
		if err != nil {
			return nil, fmt.Errorf("provider: list security lists: %w", err)
		}
		var refs []SecurityListRef
		for _, sl := range slResp.Items {
			if sl.LifecycleState != core.SecurityListLifecycleStateAvailable {
				continue
			}
			refs = append(refs, SecurityListRef{ID: deref(sl.Id), DisplayName: deref(sl.DisplayName)})
		}
		if len(refs) == 0 {
			continue
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].DisplayName < refs[j].DisplayName })
		out = append(out, VcnSecurityLists{
			VcnID:         deref(vcn.Id),
			VcnName:       deref(vcn.DisplayName),
			SecurityLists: refs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VcnName < out[j].VcnName })
	return out, nil
}

// SecurityList fetches one security list with its full rule set.
func (b *Bundle) SecurityList(ctx context.Context, securityListID string) (core.SecurityList, error) {
	resp, err := b.Network.GetSecurityList(ctx, core.GetSecurityListRequest{SecurityListId: &securityListID})
	if err != nil {
		return core.SecurityList{}, fmt.Errorf("provider: get security list: %w", err)
	}
	return resp.SecurityList, nil
}

// UpdateSecurityRules replaces a security list's ingress and egress rules
// wholesale.
func (b *Bundle) UpdateSecurityRules(ctx context.Context, securityListID string, ingress []core.IngressSecurityRule, egress []core.EgressSecurityRule) error {
	_, err := b.Network.UpdateSecurityList(ctx, core.UpdateSecurityListRequest{
		SecurityListId: &securityListID,
		UpdateSecurityListDetails: core.UpdateSecurityListDetails{
			IngressSecurityRules: ingress,
			EgressSecurityRules:  egress,
		},
	})
	if err != nil {
		return fmt.Errorf("provider: update security list %s: %w", securityListID, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
