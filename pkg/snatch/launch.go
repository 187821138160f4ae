package snatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/types"
)

// ComputeAPI is the subset of core.ComputeClient the engine calls through.
// core.ComputeClient satisfies it structurally.
type ComputeAPI interface {
	LaunchInstance(ctx context.Context, request core.LaunchInstanceRequest) (core.LaunchInstanceResponse, error)
	GetInstance(ctx context.Context, request core.GetInstanceRequest) (core.GetInstanceResponse, error)
	ListVnicAttachments(ctx context.Context, request core.ListVnicAttachmentsRequest) (core.ListVnicAttachmentsResponse, error)
	ListImages(ctx context.Context, request core.ListImagesRequest) (core.ListImagesResponse, error)
}

// VnicAPI is the subset of core.VirtualNetworkClient the engine calls
// through to read a VNIC's public IP.
type VnicAPI interface {
	GetVnic(ctx context.Context, request core.GetVnicRequest) (core.GetVnicResponse, error)
}

// resolveImage lists images matching os/version/shape, sorted by
// TIMECREATED desc, and takes the first.
func resolveImage(ctx context.Context, compute ComputeAPI, compartmentID string, d types.SnatchDetails) (*core.Image, error) {
	req := core.ListImagesRequest{
		CompartmentId:   &compartmentID,
		OperatingSystem: &d.OS,
		Shape:           &d.Shape,
		SortBy:          core.ListImagesSortByTimecreated,
		SortOrder:       core.ListImagesSortOrderDesc,
	}
	if d.OSVersion != "" {
		req.OperatingSystemVersion = &d.OSVersion
	}

	resp, err := compute.ListImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("snatch: list images: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("snatch: no image found for %s %s %s", d.OS, d.OSVersion, d.Shape)
	}
	return &resp.Items[0], nil
}

// buildLaunchTemplate assembles the LaunchInstanceDetails shared across
// every attempt of one snatch; the retry loop fills in AvailabilityDomain
// and DisplayName per attempt. Flex shapes get an explicit ShapeConfig;
// the monitoring and custom-logs agent plugins are disabled.
func buildLaunchTemplate(compartmentID, subnetID, imageID, sshKey, userData string, d types.SnatchDetails) core.LaunchInstanceDetails {
	details := core.LaunchInstanceDetails{
		CompartmentId: &compartmentID,
		Shape:         &d.Shape,
		CreateVnicDetails: &core.CreateVnicDetails{
			SubnetId:       &subnetID,
			AssignPublicIp: boolPtr(true),
		},
		Metadata: map[string]string{
			"ssh_authorized_keys": sshKey,
			"user_data":           userData,
		},
		SourceDetails: core.InstanceSourceViaImageDetails{
			ImageId:             &imageID,
			BootVolumeSizeInGBs: int64Ptr(int64(d.BootVolumeSize)),
		},
		AgentConfig: &core.LaunchInstanceAgentConfigDetails{
			IsMonitoringDisabled: boolPtr(true),
			// The Management Agent stays at its default; only the
			// monitoring and custom-logs plugins are turned off.
			IsManagementDisabled: boolPtr(false),
			PluginsConfig: []core.InstanceAgentPluginConfigDetails{
				{Name: strPtr("Compute Instance Monitoring"), DesiredState: core.InstanceAgentPluginConfigDetailsDesiredStateDisabled},
				{Name: strPtr("Custom Logs Monitoring"), DesiredState: core.InstanceAgentPluginConfigDetailsDesiredStateDisabled},
			},
		},
	}

	if strings.Contains(d.Shape, "Flex") {
		ocpus := d.OCPUs
		mem := d.MemoryInGBs
		details.ShapeConfig = &core.LaunchInstanceShapeConfigDetails{
			Ocpus:       &ocpus,
			MemoryInGBs: &mem,
		}
	}

	return details
}

// pollInstanceRunning waits up to 600s for an instance to reach RUNNING.
func pollInstanceRunning(ctx context.Context, compute ComputeAPI, instanceID string) error {
	deadline := time.Now().Add(600 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := compute.GetInstance(ctx, core.GetInstanceRequest{InstanceId: &instanceID})
		if err != nil {
			return err
		}
		if resp.Instance.LifecycleState == core.InstanceLifecycleStateRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("snatch: timed out waiting for instance %s to reach RUNNING", instanceID)
}

// primaryPublicIP fetches the public IP of an instance's primary VNIC,
// returning "" rather than an error since the caller has already
// succeeded and a missing IP is merely reported, not fatal.
func primaryPublicIP(ctx context.Context, compute ComputeAPI, vnics VnicAPI, tenancyID, instanceID string) string {
	attResp, err := compute.ListVnicAttachments(ctx, core.ListVnicAttachmentsRequest{
		InstanceId:    &instanceID,
		CompartmentId: &tenancyID,
	})
	if err != nil || len(attResp.Items) == 0 {
		return ""
	}
	vnicResp, err := vnics.GetVnic(ctx, core.GetVnicRequest{VnicId: attResp.Items[0].VnicId})
	if err != nil || vnicResp.Vnic.PublicIp == nil {
		return ""
	}
	return *vnicResp.Vnic.PublicIp
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
