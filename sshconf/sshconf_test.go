package sshconf

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banksean/testbed"
	"golang.org/x/crypto/ssh"
)

func TestEnsureDeployerKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "deployer")
	pub, err := EnsureDeployerKey(keyPath)
	if err != nil {
		t.Fatalf("EnsureDeployerKey: %v", err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(pub); err != nil {
		t.Fatalf("public key not in authorized_keys form: %v", err)
	}
	priv, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("private key missing: %v", err)
	}
	if _, err := ssh.ParsePrivateKey(priv); err != nil {
		t.Fatalf("private key unparsable: %v", err)
	}

	// A second call reuses the existing pair.
	again, err := EnsureDeployerKey(keyPath)
	if err != nil {
		t.Fatalf("second EnsureDeployerKey: %v", err)
	}
	if !bytes.Equal(pub, again) {
		t.Error("key pair regenerated on second call")
	}
}

func TestWriteClusterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh_config")
	nodes := []testbed.Node{
		{ID: "rpi1", IPv4Address: "10.0.0.11"},
		{ID: "box1", IPv4Address: "10.0.0.21", DefaultUser: "pi"},
	}
	if err := WriteClusterConfig(path, nodes, "/etc/testbed/deployer"); err != nil {
		t.Fatalf("WriteClusterConfig: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"Host rpi1", "HostName 10.0.0.11", "User root",
		"Host box1", "User pi",
		"IdentityFile /etc/testbed/deployer",
		"StrictHostKeyChecking no",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("generated config missing %q:\n%s", want, content)
		}
	}
}

func TestEnsureIncludeIdempotent(t *testing.T) {
	dir := t.TempDir()
	userConfig := filepath.Join(dir, "config")
	clusterConfig := filepath.Join(dir, "cluster_ssh_config")

	if err := EnsureInclude(userConfig, clusterConfig); err != nil {
		t.Fatalf("EnsureInclude: %v", err)
	}
	first, err := os.ReadFile(userConfig)
	if err != nil {
		t.Fatalf("reading user config: %v", err)
	}
	if !strings.Contains(string(first), "Include "+clusterConfig) {
		t.Fatalf("include line missing:\n%s", first)
	}
	if err := EnsureInclude(userConfig, clusterConfig); err != nil {
		t.Fatalf("second EnsureInclude: %v", err)
	}
	second, err := os.ReadFile(userConfig)
	if err != nil {
		t.Fatalf("reading user config: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("second EnsureInclude rewrote the file:\n%s", second)
	}
}
