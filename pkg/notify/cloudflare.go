package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudflare/cloudflare-go"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
)

// CloudflareBinder upserts A/AAAA records for snatched or re-addressed
// instances. Like the Telegram sink it is best-effort: every outcome,
// success or failure, is reduced to a single human-readable line the
// caller appends to its task result.
type CloudflareBinder struct {
	settings *Settings
}

// NewCloudflareBinder creates a binder that reloads its API token, zone
// id, and domain from settings on every upsert.
func NewCloudflareBinder(settings *Settings) *CloudflareBinder {
	return &CloudflareBinder{settings: settings}
}

// UpsertA upserts an A record <subdomain>.<domain> -> ip.
func (c *CloudflareBinder) UpsertA(subdomain, ip string) string {
	return c.upsert(subdomain, ip, "A")
}

// UpsertAAAA upserts an AAAA record <subdomain>.<domain> -> ip.
func (c *CloudflareBinder) UpsertAAAA(subdomain, ip string) string {
	return c.upsert(subdomain, ip, "AAAA")
}

func (c *CloudflareBinder) upsert(subdomain, ip, recordType string) string {
	logger := log.WithComponent("notify")

	cfg, err := c.settings.Cloudflare()
	if err != nil || cfg.APIToken == "" || cfg.ZoneID == "" || cfg.Domain == "" {
		logger.Warn().Msg("cloudflare not configured, skipping DNS update")
		return "Cloudflare not configured, DNS update skipped"
	}

	fullDomain := fmt.Sprintf("%s.%s", subdomain, cfg.Domain)

	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("cloudflare", "error").Inc()
		return fmt.Sprintf("❌ Cloudflare client construction failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rc := cloudflare.ZoneIdentifier(cfg.ZoneID)
	records, _, err := api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type: recordType,
		Name: fullDomain,
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("cloudflare", "error").Inc()
		return fmt.Sprintf("❌ Cloudflare DNS lookup failed: %v", err)
	}

	if len(records) > 0 {
		_, err = api.UpdateDNSRecord(ctx, rc, cloudflare.UpdateDNSRecordParams{
			ID:      records[0].ID,
			Type:    recordType,
			Name:    fullDomain,
			Content: ip,
			TTL:     60,
			Proxied: cloudflare.BoolPtr(false),
		})
	} else {
		_, err = api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
			Type:    recordType,
			Name:    fullDomain,
			Content: ip,
			TTL:     60,
			Proxied: cloudflare.BoolPtr(false),
		})
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("cloudflare", "error").Inc()
		logger.Error().Err(err).Str("record", fullDomain).Msg("cloudflare upsert failed")
		return fmt.Sprintf("❌ Cloudflare DNS record update failed: %v", err)
	}

	metrics.NotificationsTotal.WithLabelValues("cloudflare", "ok").Inc()
	logger.Info().Str("record", fullDomain).Str("content", ip).Msg("cloudflare record upserted")
	return fmt.Sprintf("✅ Cloudflare DNS record: %s -> %s", fullDomain, ip)
}
