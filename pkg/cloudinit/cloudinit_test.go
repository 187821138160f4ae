package cloudinit

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPatchesBothSSHConfigs(t *testing.T) {
	encoded := Build("S3cret!23", "")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	script := string(decoded)

	assert.Contains(t, script, "ubuntu:S3cret!23")
	assert.Contains(t, script, "/etc/ssh/sshd_config")
	assert.Contains(t, script, "/etc/ssh/sshd_config.d/60-cloudimg-settings.conf")
	assert.Contains(t, script, "PasswordAuthentication yes")
	assert.Contains(t, script, "PermitRootLogin prohibit-password")
	assert.Contains(t, script, "restart ssh")
}

func TestBuildAppendsStartupScript(t *testing.T) {
	encoded := Build("pw", "echo hello")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	script := string(decoded)

	assert.True(t, strings.Contains(script, "snatchd-startup.sh"))
}

func TestGeneratePasswordLength(t *testing.T) {
	pw := GeneratePassword()
	assert.Len(t, pw, 16)
	for _, r := range pw {
		assert.True(t, strings.ContainsRune(alphanumeric, r))
	}
}
