// Package cloudinit generates per-VM cloud-init seed ISOs (user-data +
// meta-data on a "cidata" volume). Generation is deterministic in the
// (user, public key) inputs: a content hash is persisted beside the ISO and
// the ISO is only rebuilt when the hash changes.
package cloudinit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/fleetplane/fleetplane/lib/logger"

	"context"
)

const userDataTemplate = `#cloud-config
users:
  - name: {{.User}}
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    lock_passwd: false
    ssh_authorized_keys:
      - {{.PublicKey}}
  - name: root
    ssh_authorized_keys:
      - {{.PublicKey}}
disable_root: false
ssh_pwauth: false
write_files:
  - path: /etc/ssh/sshd_config.d/90-vm-root.conf
    permissions: '0644'
    content: |
      PermitRootLogin prohibit-password
runcmd:
  - systemctl restart ssh || systemctl restart sshd
`

const metaDataTemplate = `instance-id: {{.InstanceID}}
local-hostname: {{.Hostname}}
`

// Seed describes the inputs of one seed ISO.
type Seed struct {
	InstanceID string
	Hostname   string
	User       string
	PublicKey  string // authorized_keys line

	UserDataPath string
	MetaDataPath string
	ISOPath      string
	SpecPath     string
}

// SpecHash returns the content hash covering the identity-bearing inputs.
// The ISO is skipped when the persisted hash matches.
func (s *Seed) SpecHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "user=%s\n", s.User)
	fmt.Fprintf(h, "pubkey=%s\n", strings.TrimSpace(s.PublicKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Generate writes user-data/meta-data and builds the ISO. A matching
// seed.iso.spec short-circuits the whole generation.
func Generate(ctx context.Context, seed Seed) error {
	log := logger.FromContext(ctx)

	hash := seed.SpecHash()
	if prev, err := os.ReadFile(seed.SpecPath); err == nil && strings.TrimSpace(string(prev)) == hash {
		if _, err := os.Stat(seed.ISOPath); err == nil {
			log.DebugContext(ctx, "seed iso up to date", "vm_id", seed.InstanceID)
			return nil
		}
	}

	userData, err := render(userDataTemplate, seed)
	if err != nil {
		return fmt.Errorf("render user-data: %w", err)
	}
	metaData, err := render(metaDataTemplate, seed)
	if err != nil {
		return fmt.Errorf("render meta-data: %w", err)
	}

	if err := os.WriteFile(seed.UserDataPath, userData, 0644); err != nil {
		return fmt.Errorf("write user-data: %w", err)
	}
	if err := os.WriteFile(seed.MetaDataPath, metaData, 0644); err != nil {
		return fmt.Errorf("write meta-data: %w", err)
	}

	if err := buildISO(ctx, seed); err != nil {
		return err
	}

	if err := os.WriteFile(seed.SpecPath, []byte(hash+"\n"), 0644); err != nil {
		return fmt.Errorf("write seed spec: %w", err)
	}
	log.InfoContext(ctx, "seed iso generated", "vm_id", seed.InstanceID, "iso", seed.ISOPath)
	return nil
}

func render(tmpl string, seed Seed) ([]byte, error) {
	t, err := template.New("cloudinit").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string{
		"User":       seed.User,
		"PublicKey":  strings.TrimSpace(seed.PublicKey),
		"InstanceID": seed.InstanceID,
		"Hostname":   seed.Hostname,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildISO prefers cloud-localds, then falls back to genisoimage/mkisofs
// with the cidata volume id.
func buildISO(ctx context.Context, seed Seed) error {
	if path, err := exec.LookPath("cloud-localds"); err == nil {
		cmd := exec.CommandContext(ctx, path, seed.ISOPath, seed.UserDataPath, seed.MetaDataPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("cloud-localds: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	tool, err := exec.LookPath("genisoimage")
	if err != nil {
		tool, err = exec.LookPath("mkisofs")
		if err != nil {
			return fmt.Errorf("no iso tool found (cloud-localds, genisoimage, mkisofs)")
		}
	}
	cmd := exec.CommandContext(ctx, tool,
		"-output", seed.ISOPath,
		"-joliet", "-rock",
		"-volid", "cidata",
		seed.UserDataPath, seed.MetaDataPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", tool, err, strings.TrimSpace(string(out)))
	}
	return nil
}
