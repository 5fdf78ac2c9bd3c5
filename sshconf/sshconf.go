// Package sshconf manages the SSH material the control host uses to reach
// nodes: the deployer keypair installed into provisioned images, and a
// generated ssh_config with one Host block per node so operators can
// `ssh <node-id>` directly.
package sshconf

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banksean/testbed"
	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
)

// EnsureDeployerKey creates the deployer keypair under keyPath (and
// keyPath+".pub") if it does not exist yet, and returns the authorized_keys
// form of the public key.
func EnsureDeployerKey(keyPath string) ([]byte, error) {
	if _, err := os.Stat(keyPath); err == nil {
		pub, err := os.ReadFile(keyPath + ".pub")
		if err != nil {
			return nil, fmt.Errorf("reading deployer public key: %w", err)
		}
		return pub, nil
	}
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating deployer key pair: %w", err)
	}
	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("converting deployer public key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "testbed deployer key")
	if err != nil {
		return nil, fmt.Errorf("marshaling deployer private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, fmt.Errorf("writing deployer private key: %w", err)
	}
	pub := ssh.MarshalAuthorizedKey(sshPublicKey)
	if err := os.WriteFile(keyPath+".pub", pub, 0o600); err != nil {
		return nil, fmt.Errorf("writing deployer public key: %w", err)
	}
	return pub, nil
}

// WriteClusterConfig renders an ssh_config with one Host block per node and
// writes it to path. Nodes are reached as root (or their configured default
// user) with the deployer identity; host keys change on every reprovision,
// so checking is disabled.
func WriteClusterConfig(path string, nodes []testbed.Node, identityFile string) error {
	cfg := &ssh_config.Config{}
	for _, node := range nodes {
		pattern, err := ssh_config.NewPattern(node.ID)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}
		user := node.DefaultUser
		if user == "" {
			user = "root"
		}
		cfg.Hosts = append(cfg.Hosts, &ssh_config.Host{
			Patterns: []*ssh_config.Pattern{pattern},
			Nodes: []ssh_config.Node{
				&ssh_config.KV{Key: "HostName", Value: node.IPv4Address},
				&ssh_config.KV{Key: "User", Value: user},
				&ssh_config.KV{Key: "IdentityFile", Value: identityFile},
				&ssh_config.KV{Key: "StrictHostKeyChecking", Value: "no"},
				&ssh_config.KV{Key: "UserKnownHostsFile", Value: "/dev/null"},
			},
		})
	}
	rendered, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling cluster ssh config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rendered, 0o644)
}

// EnsureInclude makes sure the user's ssh config carries an Include line for
// the cluster config, adding it at the top when missing.
func EnsureInclude(userConfigPath, clusterConfigPath string) error {
	include := "Include " + clusterConfigPath
	existing, err := os.ReadFile(userConfigPath)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(userConfigPath), 0o700); err != nil {
			return err
		}
		return os.WriteFile(userConfigPath, []byte(include+"\n"), 0o644)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", userConfigPath, err)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(existing))
	if err != nil {
		return fmt.Errorf("decoding %s: %w", userConfigPath, err)
	}
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok {
				if strings.TrimSpace(inc.String()) == include {
					return nil
				}
			}
		}
	}
	updated := append([]byte(include+"\n"), existing...)
	return os.WriteFile(userConfigPath, updated, 0o644)
}
