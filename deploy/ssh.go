package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/banksean/testbed"
	"golang.org/x/crypto/ssh"
)

// SSHRunner executes a command on a node as root, authenticated with the
// deployer key. The on-device flashing path runs dd, mount and reboot over
// this channel.
type SSHRunner interface {
	Run(ctx context.Context, node *testbed.Node, command string) error
}

// NodeSSH is the production SSHRunner.
type NodeSSH struct {
	KeyPath string
}

// Run dials the node and runs command in one session, streaming its output
// to the terminal. Host keys are not checked: every reprovision gives the
// node a fresh one.
func (s *NodeSSH) Run(ctx context.Context, node *testbed.Node, command string) error {
	key, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return fmt.Errorf("reading deployer key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parsing deployer key: %w", err)
	}
	config := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(node.IPv4Address, "22")
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	clientConn, channels, requests, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(clientConn, channels, requests)
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", addr, err)
	}
	defer session.Close()
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr
	if err := session.Run(command); err != nil {
		return fmt.Errorf("running %q on %s: %w", command, node.ID, err)
	}
	return nil
}
