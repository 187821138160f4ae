// Package cloudinit builds the base64-encoded cloud-config user-data the
// snatch engine attaches to every launch. It patches both sshd_config and
// the cloud image's sshd_config.d drop-in - the drop-in override is the
// source of the common "password login silently disabled" bug this
// system's predecessor shipped for years.
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Build assembles the cloud-config script that sets the ubuntu user's
// password, enables SSH password authentication, leaves root as
// key-only, installs a fixed package set with a retry loop, optionally
// runs a user-supplied startup script, and restarts sshd. The result is
// the base64 form ready to hand to LaunchInstanceDetails.Metadata["user_data"].
func Build(password, startupScript string) string {
	var b strings.Builder

	b.WriteString("#cloud-config\n")
	b.WriteString("runcmd:\n")
	writeRunCmd(&b, fmt.Sprintf("echo 'ubuntu:%s' | chpasswd", password))
	writeRunCmd(&b, "sed -i 's/^#\\?PasswordAuthentication.*/PasswordAuthentication yes/' /etc/ssh/sshd_config")
	writeRunCmd(&b, "mkdir -p /etc/ssh/sshd_config.d")
	writeRunCmd(&b, "sed -i 's/^#\\?PasswordAuthentication.*/PasswordAuthentication yes/' /etc/ssh/sshd_config.d/60-cloudimg-settings.conf || echo 'PasswordAuthentication yes' >> /etc/ssh/sshd_config.d/60-cloudimg-settings.conf")
	writeRunCmd(&b, "sed -i 's/^#\\?PermitRootLogin.*/PermitRootLogin prohibit-password/' /etc/ssh/sshd_config")

	writeRunCmd(&b, "for i in 1 2 3; do while fuser /var/lib/dpkg/lock-frontend >/dev/null 2>&1; do sleep 3; done; apt-get update -y && apt-get install -y curl wget unzip git socat cron && break || sleep 5; done")

	if startupScript != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(startupScript))
		writeRunCmd(&b, fmt.Sprintf("echo %s | base64 -d > /tmp/snatchd-startup.sh && chmod +x /tmp/snatchd-startup.sh && /tmp/snatchd-startup.sh", encoded))
	}

	writeRunCmd(&b, "systemctl restart ssh || systemctl restart sshd")

	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}

func writeRunCmd(b *strings.Builder, cmd string) {
	b.WriteString("  - ")
	b.WriteString(fmt.Sprintf("%q", cmd))
	b.WriteString("\n")
}

// GeneratePassword returns a 16-character alphanumeric password, used when
// the caller does not supply details.instance_password.
func GeneratePassword() string {
	return randomAlphanumeric(16)
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphanumeric(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphanumeric[secureRandomIndex(len(alphanumeric))]
	}
	return string(buf)
}
