// Package types defines the domain model shared across snatchd: profiles,
// tasks, and the JSON-encoded snatch progress payload persisted inside a
// task's result field.
package types

import "time"

// Profile holds the credentials and defaults for one cloud tenant,
// addressed by a user-chosen alias.
type Profile struct {
	Alias       string `json:"alias"`
	TenancyID   string `json:"tenancy_id"`
	UserID      string `json:"user_id"`
	Fingerprint string `json:"fingerprint"`
	Region      string `json:"region"`
	// Key material comes in one of two forms: PrivateKey holds literal
	// PEM content, PrivateKeyPath points at a key file on disk. When both
	// are set the literal content wins.
	PrivateKey          string `json:"private_key,omitempty"`
	PrivateKeyPath      string `json:"key_file,omitempty"`
	Proxy               string `json:"proxy,omitempty"`
	DefaultSSHPublicKey string `json:"default_ssh_public_key,omitempty"`
	DefaultSubnetOCID   string `json:"default_subnet_ocid,omitempty"`
	OrderIndex          int    `json:"order_index"`
}

// ProfileDocument is the on-disk shape of the profiles file: a map of
// profiles keyed by alias, plus the user-controlled display order.
type ProfileDocument struct {
	Profiles     map[string]*Profile `json:"profiles"`
	ProfileOrder []string            `json:"profile_order"`
}

// TaskType distinguishes the three kinds of asynchronous work the registry
// tracks.
type TaskType string

const (
	TaskTypeSnatch TaskType = "snatch"
	TaskTypeAction TaskType = "action"
	TaskTypeCreate TaskType = "create"
)

// TaskStatus is the task-row state machine. Permitted sequences:
// pending->running->(success|failure), pending->running->paused->running->
// (success|failure), running->failure (recovery parse/profile failure).
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
)

// Task is one persisted row per asynchronous operation.
type Task struct {
	ID           string     `json:"id"`
	Type         TaskType   `json:"type"`
	Name         string     `json:"name"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AccountAlias string     `json:"account_alias"`
}

// IsTerminal reports whether status is one a task may not leave within the
// same run-id.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

// SnatchDetails is the user-supplied and engine-maintained parameters for
// one snatch attempt sequence. It is embedded in SnatchProgress and is also
// the shape of the launch-instance request body.
type SnatchDetails struct {
	AccountAlias       string  `json:"account_alias"`
	Shape              string  `json:"shape"`
	OCPUs              float32 `json:"ocpus"`
	MemoryInGBs        float32 `json:"memory_in_gbs"`
	OS                 string  `json:"os"`
	OSVersion          string  `json:"os_version,omitempty"`
	AD                 string  `json:"ad,omitempty"`
	BootVolumeSize     int     `json:"boot_volume_size"`
	DisplayNamePrefix  string  `json:"display_name_prefix"`
	MinDelay           int     `json:"min_delay"`
	MaxDelay           int     `json:"max_delay"`
	AvailabilityDomain string  `json:"availabilityDomain,omitempty"`
	AutoBindDomain     bool    `json:"auto_bind_domain"`
	StartupScript      string  `json:"startup_script,omitempty"`
	InstancePassword   string  `json:"instance_password,omitempty"`
	InstanceCount      int     `json:"instance_count,omitempty"`
	Source             string  `json:"_source,omitempty"`
}

// SnatchProgress is the JSON document stored in Task.Result whenever
// Task.Status is running or paused.
type SnatchProgress struct {
	RunID        string        `json:"run_id"`
	StartTime    time.Time     `json:"start_time"`
	AttemptCount int           `json:"attempt_count"`
	LastMessage  string        `json:"last_message"`
	Details      SnatchDetails `json:"details"`
}

// Default snatch parameters, applied in SnatchEngine's preparation phase.
const (
	DefaultBootVolumeSizeGB = 50
	DefaultMinDelaySeconds  = 30
	DefaultMaxDelaySeconds  = 90
)

// MicroShape is the Always Free AMD shape subject to the pre-flight quota
// check.
const MicroShape = "VM.Standard.E2.1.Micro"

// MicroShapeQuota is the maximum number of non-terminated Micro-shape
// instances a tenancy may hold through this system.
const MicroShapeQuota = 2

// InstanceView is the HTTP-facing projection of a compute instance with its
// derived network fields.
type InstanceView struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	Shape              string `json:"shape"`
	LifecycleState     string `json:"lifecycle_state"`
	AvailabilityDomain string `json:"availability_domain"`
	PublicIP           string `json:"public_ip,omitempty"`
	IPv6               string `json:"ipv6,omitempty"`
	PrimaryVnicID      string `json:"vnic_id,omitempty"`
	BootVolumeID       string `json:"boot_volume_id,omitempty"`
	BootVolumeSizeGB   int64  `json:"boot_volume_size_gb,omitempty"`
}

// InstanceAction enumerates the operations ActionExecutor accepts on
// POST /{alias}/instance-action.
type InstanceAction string

const (
	ActionStart      InstanceAction = "start"
	ActionStop       InstanceAction = "stop"
	ActionRestart    InstanceAction = "restart"
	ActionTerminate  InstanceAction = "terminate"
	ActionChangeIP   InstanceAction = "changeip"
	ActionAssignIPv6 InstanceAction = "assignipv6"
)

// InstanceActionRequest is the body of POST /{alias}/instance-action.
type InstanceActionRequest struct {
	Action             InstanceAction `json:"action"`
	InstanceID         string         `json:"instance_id"`
	VnicID             string         `json:"vnic_id,omitempty"`
	PreserveBootVolume *bool          `json:"preserve_boot_volume,omitempty"`
	BindDomain         bool           `json:"bind_domain,omitempty"`
	Subdomain          string         `json:"subdomain,omitempty"`
	Source             string         `json:"_source,omitempty"`

	// Rename / reshape / resize-boot-volume parameters.
	NewName             string  `json:"new_name,omitempty"`
	NewShape            string  `json:"new_shape,omitempty"`
	NewOCPUs            float32 `json:"new_ocpus,omitempty"`
	NewMemoryGBs        float32 `json:"new_memory_gbs,omitempty"`
	NewBootVolumeSizeGB int64   `json:"new_boot_volume_size_gb,omitempty"`
}

// TelegramConfig is the singleton Telegram notification configuration.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// CloudflareConfig is the singleton Cloudflare DNS configuration.
type CloudflareConfig struct {
	APIToken string `json:"api_token"`
	ZoneID   string `json:"zone_id"`
	Domain   string `json:"domain"`
}
