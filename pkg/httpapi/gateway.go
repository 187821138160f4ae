package httpapi

import (
	"context"

	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/types"
)

// CloudGateway is the per-request cloud read surface the handlers call
// through. It exists so handler logic (notably the pre-flight quota
// check) can be exercised against a fake without a live tenancy.
type CloudGateway interface {
	Validate(ctx context.Context, profile *types.Profile) error
	CountActiveInstancesOfShape(ctx context.Context, profile *types.Profile, shape string) (int, error)
	ListInstances(ctx context.Context, profile *types.Profile) ([]*types.InstanceView, error)
	InstanceDetails(ctx context.Context, profile *types.Profile, instanceID string) (*provider.InstanceDetail, error)
	AvailableShapes(ctx context.Context, profile *types.Profile, osName, osVersion string) ([]string, error)
	NetworkResources(ctx context.Context, profile *types.Profile) ([]provider.VcnSecurityLists, error)
	SecurityList(ctx context.Context, profile *types.Profile, securityListID string) (core.SecurityList, error)
	UpdateSecurityRules(ctx context.Context, profile *types.Profile, securityListID string, ingress []core.IngressSecurityRule, egress []core.EgressSecurityRule) error
}

// providerGateway is the production CloudGateway: it builds a fresh
// client bundle per call, the same way the original surface constructed
// clients per request.
type providerGateway struct{}

// NewProviderGateway returns the provider-backed CloudGateway.
func NewProviderGateway() CloudGateway {
	return providerGateway{}
}

func (providerGateway) Validate(ctx context.Context, profile *types.Profile) error {
	_, err := provider.New(ctx, profile, true)
	return err
}

func (providerGateway) CountActiveInstancesOfShape(ctx context.Context, profile *types.Profile, shape string) (int, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return 0, err
	}
	return bundle.CountActiveInstancesOfShape(ctx, shape)
}

func (providerGateway) ListInstances(ctx context.Context, profile *types.Profile) ([]*types.InstanceView, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return nil, err
	}
	return bundle.ListInstances(ctx)
}

func (providerGateway) InstanceDetails(ctx context.Context, profile *types.Profile, instanceID string) (*provider.InstanceDetail, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return nil, err
	}
	return bundle.InstanceDetails(ctx, instanceID)
}

func (providerGateway) AvailableShapes(ctx context.Context, profile *types.Profile, osName, osVersion string) ([]string, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return nil, err
	}
	return bundle.AvailableShapes(ctx, osName, osVersion)
}

func (providerGateway) NetworkResources(ctx context.Context, profile *types.Profile) ([]provider.VcnSecurityLists, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return nil, err
	}
	return bundle.NetworkResources(ctx)
}

func (providerGateway) SecurityList(ctx context.Context, profile *types.Profile, securityListID string) (core.SecurityList, error) {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return core.SecurityList{}, err
	}
	return bundle.SecurityList(ctx, securityListID)
}

func (providerGateway) UpdateSecurityRules(ctx context.Context, profile *types.Profile, securityListID string, ingress []core.IngressSecurityRule, egress []core.EgressSecurityRule) error {
	bundle, err := provider.New(ctx, profile, false)
	if err != nil {
		return err
	}
	return bundle.UpdateSecurityRules(ctx, securityListID, ingress, egress)
}
