// Package snatch implements SnatchEngine: the persistent, resumable,
// AD-rotating retry loop that repeatedly attempts to launch a compute
// instance until the provider admits the request, the task is paused, or
// an unrecoverable error occurs during preparation.
//
// The engine never imports the task registry package directly; it is
// handed a narrow Registry view at construction, per this system's
// inverted-ownership convention (engines mutate rows the registry owns,
// not the other way around).
package snatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/snatchd/snatchd/pkg/cloudinit"
	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/types"
)

// Registry is the subset of TaskRegistry the engine needs to observe and
// mutate its own row.
type Registry interface {
	Get(id string) (*types.Task, error)
	UpdateProgress(id, result string) error
	SetRunning(id, result string) error
	SetSuccess(id, result string) error
	SetFailure(id, result string) error
}

// ProfileReader is the subset of ProfileStore the engine needs.
type ProfileReader interface {
	Get(alias string) (*types.Profile, error)
}

// Bootstrapper is the subset of NetworkBootstrapper the engine needs.
type Bootstrapper interface {
	EnsureSubnet(ctx context.Context, alias, rememberedSubnetID, compartmentID string, report func(msg string)) (string, error)
}

// Notifier sends a best-effort outbound message; failures never affect
// task outcome.
type Notifier interface {
	Telegram(text string)
}

// DomainBinder upserts a DNS record and returns a human-readable status
// line to append to the task result.
type DomainBinder interface {
	UpsertA(subdomain, ip string) string
}

// BundleFactory constructs a provider client bundle for a profile. It is
// a function rather than an interface so callers can inject validate=false
// construction directly from pkg/provider.New.
type BundleFactory func(ctx context.Context, profile *types.Profile) (*provider.Bundle, error)

// BootstrapperFactory constructs a NetworkBootstrapper over one bundle.
// Bundles are per-profile, so the bootstrapper cannot be shared across
// tasks and is built fresh inside each run.
type BootstrapperFactory func(bundle *provider.Bundle) Bootstrapper

// Engine runs the retry loop for one snatch task at a time; a process
// typically holds many short-lived Engine.Run goroutines, one per active
// snatch task.
type Engine struct {
	registry        Registry
	profiles        ProfileReader
	notifier        Notifier
	dns             DomainBinder
	newBundle       BundleFactory
	newBootstrapper BootstrapperFactory
}

// New constructs an Engine. dns may be nil when no Cloudflare config is
// set; notifier may be nil when no Telegram config is set.
func New(registry Registry, profiles ProfileReader, notifier Notifier, dns DomainBinder, newBundle BundleFactory, newBootstrapper BootstrapperFactory) *Engine {
	return &Engine{
		registry:        registry,
		profiles:        profiles,
		notifier:        notifier,
		dns:             dns,
		newBundle:       newBundle,
		newBootstrapper: newBootstrapper,
	}
}

// Params describes one dispatch of the engine, whether the task's first
// run, a resume, or a crash-recovered re-dispatch.
type Params struct {
	TaskID         string
	Alias          string
	RunID          string
	AutoBindDomain bool
	Subdomain      string
	Details        types.SnatchDetails
}

// Run executes the preparation phase followed by the retry loop. It
// returns once the task reaches a terminal state, is paused out from
// under it, or its run-id is superseded. Run is meant to be called from
// its own goroutine; it never panics on provider errors.
func (e *Engine) Run(ctx context.Context, p Params) {
	logger := log.WithTaskID(p.TaskID)

	progress := e.loadOrInitProgress(p)

	profile, err := e.profiles.Get(p.Alias)
	if err != nil {
		e.fail(p.TaskID, fmt.Sprintf("❌ profile %q not found: %v", p.Alias, err))
		return
	}
	if profile.DefaultSSHPublicKey == "" {
		e.fail(p.TaskID, "❌ profile has no default SSH public key configured")
		return
	}

	// A row that was paused or finished while this dispatch sat in the
	// queue is left as it is.
	if task, err := e.registry.Get(p.TaskID); err == nil &&
		task.Status != types.TaskStatusPending && task.Status != types.TaskStatusRunning {
		logger.Info().Str("status", string(task.Status)).Msg("task no longer runnable, not starting")
		return
	}

	if err := e.registry.SetRunning(p.TaskID, mustEncode(&progress)); err != nil {
		logger.Error().Err(err).Msg("failed to set task running")
		return
	}

	bundle, err := e.newBundle(ctx, profile)
	if err != nil {
		e.fail(p.TaskID, fmt.Sprintf("❌ provider construction failed: %v", err))
		return
	}

	ads, err := bundle.AvailabilityDomains(ctx)
	if err != nil || len(ads) == 0 {
		e.fail(p.TaskID, fmt.Sprintf("❌ could not list availability domains: %v", err))
		return
	}
	if progress.Details.AvailabilityDomain != "" {
		ads = []string{progress.Details.AvailabilityDomain}
	}

	// Bootstrap progress lands inside the JSON progress document so the
	// ownership check can still parse the row afterwards.
	bootstrapReport := func(msg string) {
		progress.LastMessage = msg
		_ = e.persistProgress(p.TaskID, &progress)
	}
	subnetID, err := e.newBootstrapper(bundle).EnsureSubnet(ctx, p.Alias, profile.DefaultSubnetOCID, profile.TenancyID, bootstrapReport)
	if err != nil {
		e.fail(p.TaskID, fmt.Sprintf("❌ network bootstrap failed: %v", err))
		return
	}

	progress.LastMessage = "looking for a compatible OS image..."
	_ = e.persistProgress(p.TaskID, &progress)

	image, err := resolveImage(ctx, bundle.Compute, profile.TenancyID, progress.Details)
	if err != nil {
		e.fail(p.TaskID, fmt.Sprintf("❌ could not resolve image: %v", err))
		return
	}

	if progress.Details.InstancePassword == "" {
		progress.Details.InstancePassword = cloudinit.GeneratePassword()
	}
	userData := cloudinit.Build(progress.Details.InstancePassword, progress.Details.StartupScript)

	template := buildLaunchTemplate(profile.TenancyID, subnetID, *image.Id, profile.DefaultSSHPublicKey, userData, progress.Details)

	e.retryLoop(ctx, bundle.Compute, bundle.Network, bundle.TenancyID, ads, template, p, &progress)
}

// loadOrInitProgress re-reads the task row and continues from any
// persisted progress document (resume and crash recovery keep their
// attempt count and start time); a fresh task starts from zero. The
// caller's run-id always supersedes the persisted one.
func (e *Engine) loadOrInitProgress(p Params) types.SnatchProgress {
	progress := types.SnatchProgress{
		RunID:       p.RunID,
		StartTime:   time.Now().UTC(),
		LastMessage: "preparing snatch task...",
		Details:     p.Details,
	}
	if task, err := e.registry.Get(p.TaskID); err == nil && task.Result != "" {
		var persisted types.SnatchProgress
		if err := json.Unmarshal([]byte(task.Result), &persisted); err == nil && persisted.Details.Shape != "" {
			progress = persisted
			progress.RunID = p.RunID
		}
	}
	progress.Details.AccountAlias = p.Alias
	applyDefaults(&progress.Details)
	return progress
}

func (e *Engine) retryLoop(ctx context.Context, compute ComputeAPI, vnics VnicAPI, tenancyID string, ads []string, template core.LaunchInstanceDetails, p Params, progress *types.SnatchProgress) {
	lastPersist := time.Now()
	var lastClass provider.Classification

	for {
		if !e.owns(p.TaskID, p.RunID) {
			return
		}

		progress.AttemptCount++
		attempt := progress.AttemptCount
		ad := adForAttempt(ads, attempt)
		progress.Details.AD = ad

		metrics.SnatchAttemptsTotal.WithLabelValues(p.Alias, ad).Inc()

		details := template
		details.AvailabilityDomain = strPtr(ad)
		details.DisplayName = strPtr(progress.Details.DisplayNamePrefix)

		timer := metrics.NewTimer()
		resp, err := compute.LaunchInstance(ctx, core.LaunchInstanceRequest{LaunchInstanceDetails: details})
		timer.ObserveDuration(metrics.SnatchAttemptDuration)

		if err == nil {
			metrics.SnatchOutcomesTotal.WithLabelValues("success").Inc()
			e.onSuccess(ctx, compute, vnics, tenancyID, p, progress, resp.Instance, attempt)
			return
		}

		class, message := formatFailureMessage(ad, err)
		progress.LastMessage = message
		metrics.SnatchOutcomesTotal.WithLabelValues(string(class)).Inc()

		changed := class != lastClass
		lastClass = class
		if changed || time.Since(lastPersist) >= 5*time.Second {
			_ = e.persistProgress(p.TaskID, progress)
			lastPersist = time.Now()
		}

		if !e.owns(p.TaskID, p.RunID) {
			return
		}

		delay := randomDelay(progress.Details.MinDelay, progress.Details.MaxDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// owns re-reads the task row and reports whether this worker is still
// the authoritative one: the row exists, is running, and its persisted
// run-id matches ours.
func (e *Engine) owns(taskID, runID string) bool {
	task, err := e.registry.Get(taskID)
	if err != nil || task.Status != types.TaskStatusRunning {
		return false
	}
	var current types.SnatchProgress
	if err := json.Unmarshal([]byte(task.Result), &current); err != nil {
		return false
	}
	return current.RunID == runID
}

func (e *Engine) onSuccess(ctx context.Context, compute ComputeAPI, vnics VnicAPI, tenancyID string, p Params, progress *types.SnatchProgress, instance core.Instance, attempt int) {
	progress.LastMessage = fmt.Sprintf("attempt %d succeeded, provisioning...", attempt)
	_ = e.persistProgress(p.TaskID, progress)

	if err := pollInstanceRunning(ctx, compute, *instance.Id); err != nil {
		e.fail(p.TaskID, fmt.Sprintf("❌ instance launched but never reached RUNNING: %v", err))
		return
	}

	publicIP := primaryPublicIP(ctx, compute, vnics, tenancyID, *instance.Id)
	elapsed := formatElapsed(time.Since(progress.StartTime))

	msg := fmt.Sprintf(
		"🎉 snatched %s after %d attempts (%s)\nAD: %s\nPublic IP: %s\nuser: ubuntu\npassword: %s",
		*instance.DisplayName, attempt, elapsed, progress.Details.AD, publicIP, progress.Details.InstancePassword,
	)

	if p.AutoBindDomain && publicIP != "" && e.dns != nil {
		subdomain := p.Subdomain
		if subdomain == "" {
			subdomain = *instance.DisplayName
		}
		msg += "\n" + e.dns.UpsertA(subdomain, publicIP)
	}

	_ = e.registry.SetSuccess(p.TaskID, msg)
	if e.notifier != nil {
		e.notifier.Telegram(msg)
	}
}

func (e *Engine) fail(taskID, msg string) {
	_ = e.registry.SetFailure(taskID, msg)
	if e.notifier != nil {
		e.notifier.Telegram(msg)
	}
}

func (e *Engine) persistProgress(taskID string, progress *types.SnatchProgress) error {
	return e.registry.UpdateProgress(taskID, mustEncode(progress))
}

func mustEncode(progress *types.SnatchProgress) string {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Sprintf(`{"run_id":%q,"last_message":"progress encoding failed"}`, progress.RunID)
	}
	return string(data)
}
