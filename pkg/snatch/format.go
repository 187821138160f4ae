package snatch

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"

	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/types"
)

// adForAttempt implements the round-robin rotation rule: attempt N
// (1-indexed) targets ads[(N-1) mod len(ads)].
func adForAttempt(ads []string, attempt int) string {
	return ads[(attempt-1)%len(ads)]
}

// applyDefaults fills in the launch defaults and clamps Micro shapes to
// 1 OCPU / 1GB memory.
func applyDefaults(d *types.SnatchDetails) {
	if d.BootVolumeSize == 0 {
		d.BootVolumeSize = types.DefaultBootVolumeSizeGB
	}
	if d.MinDelay == 0 {
		d.MinDelay = types.DefaultMinDelaySeconds
	}
	if d.MaxDelay == 0 {
		d.MaxDelay = types.DefaultMaxDelaySeconds
	}
	if strings.Contains(d.Shape, "Micro") {
		d.OCPUs = 1
		d.MemoryInGBs = 1
	}
}

// randomDelay returns a uniformly distributed duration in [min, max]
// seconds.
func randomDelay(min, max int) time.Duration {
	if max <= min {
		return time.Duration(min) * time.Second
	}
	span := max - min
	return time.Duration(min+rand.IntN(span+1)) * time.Second
}

// formatFailureMessage renders the three failure message forms:
// capacity, non-capacity service error, and any other exception.
func formatFailureMessage(ad string, err error) (provider.Classification, string) {
	if svcErr, ok := common.IsServiceError(err); ok {
		class := provider.Classify(err)
		if class == provider.ClassCapacity {
			return class, fmt.Sprintf("in %s capacity insufficient (%s)", ad, svcErr.GetCode())
		}
		return class, fmt.Sprintf("API error (%s)", svcErr.GetCode())
	}

	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	return provider.ClassTransient, fmt.Sprintf("unknown error: %s", msg)
}

// formatElapsed renders a duration as "<days>d <hours>h <minutes>m",
// dropping leading zero units, for the success message's wall-time field.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
