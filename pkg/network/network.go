// Package network implements NetworkBootstrapper: ensuring a usable
// subnet exists for a profile (reuse remembered -> auto-discover ->
// create), and on-demand IPv6 enablement across VCN, subnet, route table,
// and security list.
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/provider"
)

// SubnetRemember persists the subnet id resolved for a profile alias, so
// it can be reused on the next bootstrap. ProfileStore implements this.
type SubnetRemember interface {
	SetRememberedSubnet(alias, subnetID string) error
}

// Bootstrapper runs the network-bootstrap protocol against one provider
// Bundle.
type Bootstrapper struct {
	bundle   *provider.Bundle
	profiles SubnetRemember
}

// New constructs a Bootstrapper over bundle, persisting resolved subnet
// ids via profiles.
func New(bundle *provider.Bundle, profiles SubnetRemember) *Bootstrapper {
	return &Bootstrapper{bundle: bundle, profiles: profiles}
}

func report(r func(msg string), msg string) {
	if r != nil {
		r(msg)
	}
}

// Progress closures receive one-line updates while a bootstrap or
// IPv6-enablement operation is underway; callers that own a task row pass
// one that writes into it, nil is accepted when no task is attached.

// EnsureSubnet implements the bootstrap protocol: reuse remembered, else
// auto-discover the first AVAILABLE subnet of the compartment's first
// listed VCN (other VCNs are not searched), else create a
// VCN/IGW/route/subnet from scratch.
func (b *Bootstrapper) EnsureSubnet(ctx context.Context, alias, rememberedSubnetID, compartmentID string, r func(msg string)) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NetworkBootstrapDuration)

	logger := log.WithComponent("network")

	if rememberedSubnetID != "" {
		resp, err := b.bundle.Network.GetSubnet(ctx, core.GetSubnetRequest{SubnetId: &rememberedSubnetID})
		if err == nil && resp.Subnet.LifecycleState == core.SubnetLifecycleStateAvailable {
			return rememberedSubnetID, nil
		}
		if err != nil {
			if svcErr, ok := common.IsServiceError(err); !ok || svcErr.GetHTTPStatusCode() != 404 {
				return "", fmt.Errorf("network: get remembered subnet: %w", err)
			}
			logger.Info().Str("subnet_id", rememberedSubnetID).Msg("remembered subnet no longer exists, re-discovering")
		}
	}

	vcnResp, err := b.bundle.Network.ListVcns(ctx, core.ListVcnsRequest{CompartmentId: &compartmentID})
	if err != nil {
		return "", fmt.Errorf("network: list vcns: %w", err)
	}
	if len(vcnResp.Items) > 0 {
		vcn := vcnResp.Items[0]
		subnetsResp, err := b.bundle.Network.ListSubnets(ctx, core.ListSubnetsRequest{
			CompartmentId: &compartmentID,
			VcnId:         vcn.Id,
		})
		if err != nil {
			return "", fmt.Errorf("network: list subnets: %w", err)
		}
		for _, s := range subnetsResp.Items {
			if s.LifecycleState == core.SubnetLifecycleStateAvailable {
				b.remember(alias, *s.Id)
				return *s.Id, nil
			}
		}
	}

	return b.createFromScratch(ctx, alias, compartmentID, r)
}

func (b *Bootstrapper) remember(alias, subnetID string) {
	if b.profiles != nil {
		_ = b.profiles.SetRememberedSubnet(alias, subnetID)
	}
}

func (b *Bootstrapper) createFromScratch(ctx context.Context, alias, compartmentID string, r func(msg string)) (string, error) {
	report(r, "no existing network found, creating VCN 10.0.0.0/16")
	vcnCIDR := "10.0.0.0/16"
	vcnResp, err := b.bundle.Network.CreateVcn(ctx, core.CreateVcnRequest{
		CreateVcnDetails: core.CreateVcnDetails{
			CompartmentId: &compartmentID,
			CidrBlock:     &vcnCIDR,
			DisplayName:   strPtr("snatchd-vcn"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("network: create vcn: %w", err)
	}
	vcnID := *vcnResp.Vcn.Id
	if err := b.waitVcnAvailable(ctx, vcnID); err != nil {
		return "", err
	}

	report(r, "creating internet gateway")
	igwResp, err := b.bundle.Network.CreateInternetGateway(ctx, core.CreateInternetGatewayRequest{
		CreateInternetGatewayDetails: core.CreateInternetGatewayDetails{
			CompartmentId: &compartmentID,
			VcnId:         &vcnID,
			IsEnabled:     boolPtr(true),
			DisplayName:   strPtr("snatchd-igw"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("network: create internet gateway: %w", err)
	}
	igwID := *igwResp.InternetGateway.Id

	report(r, "adding default route 0.0.0.0/0 -> internet gateway")
	rtResp, err := b.bundle.Network.GetRouteTable(ctx, core.GetRouteTableRequest{RtId: vcnResp.Vcn.DefaultRouteTableId})
	if err != nil {
		return "", fmt.Errorf("network: get default route table: %w", err)
	}
	rules := append(rtResp.RouteTable.RouteRules, core.RouteRule{
		NetworkEntityId: &igwID,
		Destination:     strPtr("0.0.0.0/0"),
		DestinationType: core.RouteRuleDestinationTypeCidrBlock,
	})
	if _, err := b.bundle.Network.UpdateRouteTable(ctx, core.UpdateRouteTableRequest{
		RtId:                    rtResp.RouteTable.Id,
		UpdateRouteTableDetails: core.UpdateRouteTableDetails{RouteRules: rules},
	}); err != nil {
		return "", fmt.Errorf("network: update default route table: %w", err)
	}

	report(r, "creating subnet 10.0.1.0/24")
	subnetCIDR := "10.0.1.0/24"
	subnetResp, err := b.bundle.Network.CreateSubnet(ctx, core.CreateSubnetRequest{
		CreateSubnetDetails: core.CreateSubnetDetails{
			CompartmentId: &compartmentID,
			VcnId:         &vcnID,
			CidrBlock:     &subnetCIDR,
			DisplayName:   strPtr("snatchd-subnet"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("network: create subnet: %w", err)
	}
	subnetID := *subnetResp.Subnet.Id
	if err := b.waitSubnetAvailable(ctx, subnetID); err != nil {
		return "", err
	}

	b.remember(alias, subnetID)
	return subnetID, nil
}

func (b *Bootstrapper) waitVcnAvailable(ctx context.Context, vcnID string) error {
	return pollUntil(ctx, func() (bool, error) {
		resp, err := b.bundle.Network.GetVcn(ctx, core.GetVcnRequest{VcnId: &vcnID})
		if err != nil {
			return false, err
		}
		return resp.Vcn.LifecycleState == core.VcnLifecycleStateAvailable, nil
	})
}

func (b *Bootstrapper) waitSubnetAvailable(ctx context.Context, subnetID string) error {
	return pollUntil(ctx, func() (bool, error) {
		resp, err := b.bundle.Network.GetSubnet(ctx, core.GetSubnetRequest{SubnetId: &subnetID})
		if err != nil {
			return false, err
		}
		return resp.Subnet.LifecycleState == core.SubnetLifecycleStateAvailable, nil
	})
}

func pollUntil(ctx context.Context, check func() (bool, error)) error {
	deadline := time.Now().Add(300 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("network: timed out waiting for resource to become available")
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// EnableIPv6 runs the five-step idempotent IPv6-enablement procedure
// against the VCN/subnet/route-table/security-list reached through vnicID,
// safe to call repeatedly against a partially-configured VCN.
func (b *Bootstrapper) EnableIPv6(ctx context.Context, vnicID string, r func(msg string)) error {
	vnicResp, err := b.bundle.Network.GetVnic(ctx, core.GetVnicRequest{VnicId: &vnicID})
	if err != nil {
		return fmt.Errorf("network: get vnic: %w", err)
	}
	subnetResp, err := b.bundle.Network.GetSubnet(ctx, core.GetSubnetRequest{SubnetId: vnicResp.Vnic.SubnetId})
	if err != nil {
		return fmt.Errorf("network: get subnet: %w", err)
	}
	vcnResp, err := b.bundle.Network.GetVcn(ctx, core.GetVcnRequest{VcnId: subnetResp.Subnet.VcnId})
	if err != nil {
		return fmt.Errorf("network: get vcn: %w", err)
	}
	vcn := vcnResp.Vcn

	report(r, "(1/5) checking VCN IPv6 CIDR")
	if len(vcn.Ipv6CidrBlocks) == 0 {
		report(r, "(2/5) requesting Oracle GUA allocation for VCN")
		if _, err := b.bundle.Network.AddIpv6VcnCidr(ctx, core.AddIpv6VcnCidrRequest{
			VcnId:                 vcn.Id,
			AddVcnIpv6CidrDetails: core.AddVcnIpv6CidrDetails{IsOracleGuaAllocationEnabled: boolPtr(true)},
		}); err != nil {
			return fmt.Errorf("network: add vcn ipv6 cidr: %w", err)
		}
		if err := b.waitVcnAvailable(ctx, *vcn.Id); err != nil {
			return fmt.Errorf("network: wait vcn available after ipv6: %w", err)
		}
		vcnResp, err = b.bundle.Network.GetVcn(ctx, core.GetVcnRequest{VcnId: vcn.Id})
		if err != nil {
			return fmt.Errorf("network: reget vcn: %w", err)
		}
		vcn = vcnResp.Vcn
	}

	report(r, "(3/5) checking subnet IPv6 CIDR")
	subnet := subnetResp.Subnet
	if len(subnet.Ipv6CidrBlocks) == 0 {
		subnetIpv6 := deriveSubnetIpv6(vcn.Ipv6CidrBlocks)
		if _, err := b.bundle.Network.UpdateSubnet(ctx, core.UpdateSubnetRequest{
			SubnetId:            subnet.Id,
			UpdateSubnetDetails: core.UpdateSubnetDetails{Ipv6CidrBlock: &subnetIpv6},
		}); err != nil {
			return fmt.Errorf("network: update subnet ipv6: %w", err)
		}
		if err := b.waitSubnetAvailable(ctx, *subnet.Id); err != nil {
			return fmt.Errorf("network: wait subnet available after ipv6: %w", err)
		}
	}

	report(r, "(4/5) ensuring ::/0 route to internet gateway")
	rtResp, err := b.bundle.Network.GetRouteTable(ctx, core.GetRouteTableRequest{RtId: vcn.DefaultRouteTableId})
	if err != nil {
		return fmt.Errorf("network: get route table: %w", err)
	}
	if !hasIpv6DefaultRoute(rtResp.RouteTable.RouteRules) {
		igwID, err := b.findInternetGateway(ctx, *vcn.CompartmentId, *vcn.Id)
		if err != nil {
			return err
		}
		rules := append(rtResp.RouteTable.RouteRules, core.RouteRule{
			NetworkEntityId: &igwID,
			Destination:     strPtr("::/0"),
			DestinationType: core.RouteRuleDestinationTypeCidrBlock,
		})
		if _, err := b.bundle.Network.UpdateRouteTable(ctx, core.UpdateRouteTableRequest{
			RtId:                    rtResp.RouteTable.Id,
			UpdateRouteTableDetails: core.UpdateRouteTableDetails{RouteRules: rules},
		}); err != nil {
			return fmt.Errorf("network: update route table ipv6: %w", err)
		}
	}

	report(r, "(5/5) ensuring egress ::/0 security rule")
	slResp, err := b.bundle.Network.GetSecurityList(ctx, core.GetSecurityListRequest{SecurityListId: vcn.DefaultSecurityListId})
	if err != nil {
		return fmt.Errorf("network: get security list: %w", err)
	}
	if !hasIpv6EgressAllRule(slResp.SecurityList.EgressSecurityRules) {
		rules := append(slResp.SecurityList.EgressSecurityRules, core.EgressSecurityRule{
			Destination:     strPtr("::/0"),
			DestinationType: core.EgressSecurityRuleDestinationTypeCidrBlock,
			Protocol:        strPtr("all"),
		})
		if _, err := b.bundle.Network.UpdateSecurityList(ctx, core.UpdateSecurityListRequest{
			SecurityListId:            slResp.SecurityList.Id,
			UpdateSecurityListDetails: core.UpdateSecurityListDetails{EgressSecurityRules: rules},
		}); err != nil {
			return fmt.Errorf("network: update security list ipv6: %w", err)
		}
	}

	return nil
}

func (b *Bootstrapper) findInternetGateway(ctx context.Context, compartmentID, vcnID string) (string, error) {
	resp, err := b.bundle.Network.ListInternetGateways(ctx, core.ListInternetGatewaysRequest{
		CompartmentId: &compartmentID,
		VcnId:         &vcnID,
	})
	if err != nil {
		return "", fmt.Errorf("network: list internet gateways: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("network: no internet gateway found for vcn %s", vcnID)
	}
	return *resp.Items[0].Id, nil
}

func deriveSubnetIpv6(vcnCidrs []string) string {
	if len(vcnCidrs) == 0 {
		return ""
	}
	// The VCN's Oracle-GUA block is a /56; the subnet takes the first /64
	// under it by rewriting a trailing "00::/56" as "00::/64". A block in
	// any other form is returned unchanged.
	cidr := vcnCidrs[0]
	const suffix = "00::/56"
	if len(cidr) > len(suffix) && cidr[len(cidr)-len(suffix):] == suffix {
		return cidr[:len(cidr)-len(suffix)] + "00::/64"
	}
	return cidr
}

func hasIpv6DefaultRoute(rules []core.RouteRule) bool {
	for _, r := range rules {
		if r.Destination != nil && *r.Destination == "::/0" {
			return true
		}
	}
	return false
}

func hasIpv6EgressAllRule(rules []core.EgressSecurityRule) bool {
	for _, r := range rules {
		if r.Destination != nil && *r.Destination == "::/0" {
			return true
		}
	}
	return false
}
