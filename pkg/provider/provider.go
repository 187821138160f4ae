// Package provider builds the per-profile cloud client bundle
// (Identity/Compute/VirtualNetwork/BlockStorage) that every other
// component calls through. Key material comes as literal PEM content
// (written to a short-lived, mode-0600 temp file for the duration of
// client construction) or as a key file path from configuration. An
// optional HTTP proxy is threaded into every client, and construction is
// either validated up front or lazy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"
	"github.com/oracle/oci-go-sdk/v65/identity"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/types"
)

// Bundle is the opaque set of typed clients constructed for one profile.
type Bundle struct {
	Identity  identity.IdentityClient
	Compute   core.ComputeClient
	Network   core.VirtualNetworkClient
	BlockStorage core.BlockstorageClient
	TenancyID string
}

// New builds a Bundle for profile. When validate is true, a credential
// validation call (ListAvailabilityDomains) is made before returning;
// otherwise clients are returned unvalidated and errors surface on first
// real use.
func New(ctx context.Context, profile *types.Profile, validate bool) (*Bundle, error) {
	logger := log.WithComponent("provider").With().Str("account_alias", profile.Alias).Logger()

	keyPath, cleanup, err := resolveKey(profile)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	configProvider := common.NewRawConfigurationProvider(
		profile.TenancyID,
		profile.UserID,
		profile.Region,
		profile.Fingerprint,
		mustReadFile(keyPath),
		nil,
	)

	idClient, err := identity.NewIdentityClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, &types.CredentialError{Msg: fmt.Sprintf("identity client: %v", err)}
	}
	computeClient, err := core.NewComputeClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, &types.CredentialError{Msg: fmt.Sprintf("compute client: %v", err)}
	}
	vnetClient, err := core.NewVirtualNetworkClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, &types.CredentialError{Msg: fmt.Sprintf("network client: %v", err)}
	}
	bsClient, err := core.NewBlockstorageClientWithConfigurationProvider(configProvider)
	if err != nil {
		return nil, &types.CredentialError{Msg: fmt.Sprintf("block storage client: %v", err)}
	}

	if profile.Proxy != "" {
		httpClient, err := proxiedHTTPClient(profile.Proxy)
		if err != nil {
			return nil, &types.ProxyError{Msg: err.Error()}
		}
		dialer := net.Dialer{Timeout: 15 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", profile.Proxy)
		if err != nil {
			return nil, &types.ProxyError{Msg: fmt.Sprintf("provider: dial proxy %q: %v", profile.Proxy, err)}
		}
		conn.Close()
		idClient.HTTPClient = httpClient
		computeClient.HTTPClient = httpClient
		vnetClient.HTTPClient = httpClient
		bsClient.HTTPClient = httpClient
	}

	bundle := &Bundle{
		Identity:     idClient,
		Compute:      computeClient,
		Network:      vnetClient,
		BlockStorage: bsClient,
		TenancyID:    profile.TenancyID,
	}

	if validate {
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if _, err := bundle.Identity.ListAvailabilityDomains(reqCtx, identity.ListAvailabilityDomainsRequest{
			CompartmentId: &profile.TenancyID,
		}); err != nil {
			logger.Warn().Err(err).Msg("credential validation failed")
			if isTimeout(err) {
				return nil, &types.ProviderUnreachable{Msg: fmt.Sprintf("credential validation: %v", err)}
			}
			return nil, &types.CredentialError{Msg: fmt.Sprintf("credential validation: %v", err)}
		}
	}

	return bundle, nil
}

// isTimeout distinguishes an unreachable provider (deadline, transport
// timeout) from a credential rejection.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// resolveKey yields a key file path for the profile's key material:
// literal PEM content is written to a unique mode-0600 temp file removed
// by cleanup, a configured path is handed through as-is.
func resolveKey(profile *types.Profile) (path string, cleanup func(), err error) {
	if profile.PrivateKey != "" {
		path, cleanup, err = materializeKey(profile.PrivateKey)
		if err != nil {
			return "", func() {}, &types.CredentialError{Msg: fmt.Sprintf("writing private key: %v", err)}
		}
		return path, cleanup, nil
	}
	if profile.PrivateKeyPath != "" {
		if _, err := os.Stat(profile.PrivateKeyPath); err != nil {
			return "", func() {}, &types.CredentialError{Msg: fmt.Sprintf("key file %s: %v", profile.PrivateKeyPath, err)}
		}
		return profile.PrivateKeyPath, func() {}, nil
	}
	return "", func() {}, &types.CredentialError{Msg: "profile has no private key content or key file path"}
}

// AvailabilityDomains returns the ordered list of AD names for the
// tenancy, as consumed by the snatch engine's rotation.
func (b *Bundle) AvailabilityDomains(ctx context.Context) ([]string, error) {
	resp, err := b.Identity.ListAvailabilityDomains(ctx, identity.ListAvailabilityDomainsRequest{
		CompartmentId: &b.TenancyID,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: list availability domains: %w", err)
	}
	ads := make([]string, 0, len(resp.Items))
	for _, ad := range resp.Items {
		ads = append(ads, *ad.Name)
	}
	return ads, nil
}

func materializeKey(content string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "snatchd-key-*.pem")
	if err != nil {
		return "", func() {}, err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", func() {}, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", func() {}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", func() {}, err
	}
	path = f.Name()
	return path, func() { os.Remove(path) }, nil
}

func mustReadFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func proxiedHTTPClient(proxy string) (*http.Client, error) {
	proxyURL, err := url.Parse("http://" + proxy)
	if err != nil {
		return nil, fmt.Errorf("provider: parse proxy %q: %w", proxy, err)
	}
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   60 * time.Second,
	}, nil
}
