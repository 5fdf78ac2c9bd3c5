// Package netboot maintains the per-node network boot triple: the DHCP host
// entry, the NFS export and the TFTP directory. All edits are idempotent;
// the DHCP and NFS daemons are restarted once per batch of changes.
package netboot

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/banksean/testbed"
)

const (
	nfsService     = "nfs-kernel-server"
	dnsmasqService = "dnsmasq"
	exportOptions  = "*(rw,sync,no_subtree_check,no_root_squash)"
)

// Registry owns the network-boot state of the cluster. It is the only
// writer of the dnsmasq node file, the exports file and the TFTP tree; the
// engine keeps all calls serialized.
type Registry struct {
	Paths  testbed.Paths
	Run    testbed.Runner
	Status *testbed.Status
}

// NewRegistry returns a Registry over the given layout.
func NewRegistry(paths testbed.Paths, run testbed.Runner, status *testbed.Status) *Registry {
	return &Registry{Paths: paths, Run: run, Status: status}
}

func (r *Registry) exportLine(prefix string) string {
	return fmt.Sprintf("%s %s", r.Paths.NodeNFSDir(prefix), exportOptions)
}

func dhcpLine(node *testbed.Node, ipv4, hostname string) string {
	tag := ""
	if node.PXE {
		tag = "set:pxe,"
	}
	return fmt.Sprintf("dhcp-host=%s%s,%s,%s", tag, node.MACAddress, ipv4, hostname)
}

// AddNode creates the node's NFS share, DHCP entry and TFTP directory and
// restarts the serving daemons.
func (r *Registry) AddNode(ctx context.Context, node *testbed.Node) error {
	r.Status.StepErr("create nfs directory", os.MkdirAll(r.Paths.NodeNFSDir(node.TFTPPrefix), 0o755))
	r.Status.StepErr("add nfs share", appendLine(r.Paths.Exports, r.exportLine(node.TFTPPrefix)))
	r.Status.StepErr("add dhcp entry", r.AddDHCP(node, node.IPv4Address, node.Name))
	r.Status.StepErr("add tftp directory", os.MkdirAll(r.Paths.NodeTFTPDir(node.TFTPPrefix), 0o755))
	r.RestartServices(ctx)
	return nil
}

// RemoveNode undoes AddNode: TFTP directory unmounted and removed, NFS share
// and directory removed, DHCP entry removed.
func (r *Registry) RemoveNode(ctx context.Context, node *testbed.Node) error {
	r.Status.Step("unmount tftp directory", r.UnmountTFTP(ctx, node.TFTPPrefix) == nil)
	r.Status.StepErr("remove tftp directory", os.RemoveAll(r.Paths.NodeTFTPDir(node.TFTPPrefix)))
	r.Status.StepErr("remove nfs share", removeExactLine(r.Paths.Exports, r.exportLine(node.TFTPPrefix)))
	r.Status.StepErr("remove nfs directory", os.RemoveAll(r.Paths.NodeNFSDir(node.TFTPPrefix)))
	r.Status.StepErr("remove dhcp entry", r.RemoveDHCP(node))
	return nil
}

// AddDHCP appends the node's dhcp-host line.
func (r *Registry) AddDHCP(node *testbed.Node, ipv4, hostname string) error {
	if _, err := os.Stat(r.Paths.DNSMasqNodes); os.IsNotExist(err) {
		if err := os.WriteFile(r.Paths.DNSMasqNodes, nil, 0o644); err != nil {
			return err
		}
	}
	return appendLine(r.Paths.DNSMasqNodes, dhcpLine(node, ipv4, hostname))
}

// RemoveDHCP drops the node's dhcp-host line, keyed by MAC.
func (r *Registry) RemoveDHCP(node *testbed.Node) error {
	tag := ""
	if node.PXE {
		tag = "set:pxe,"
	}
	return removeLinesContaining(r.Paths.DNSMasqNodes, "dhcp-host="+tag+node.MACAddress)
}

// DHCPEntry is one parsed dhcp-host line.
type DHCPEntry struct {
	MAC      string
	IPv4     string
	Hostname string
}

// DHCPEntries parses the node file into (mac, ip, hostname) tuples.
func (r *Registry) DHCPEntries() ([]DHCPEntry, error) {
	lines, err := readLines(r.Paths.DNSMasqNodes)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.Paths.DNSMasqNodes, err)
	}
	var entries []DHCPEntry
	for _, line := range lines {
		if !strings.HasPrefix(line, "dhcp-host=") {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(line, "dhcp-host="), ",")
		if len(parts) < 3 {
			continue
		}
		// Drop any leading tags (set:pxe,...), keeping mac, ip, hostname.
		parts = parts[len(parts)-3:]
		entries = append(entries, DHCPEntry{MAC: parts[0], IPv4: parts[1], Hostname: parts[2]})
	}
	return entries, nil
}

// Lookup returns the DHCP entry for the node, if exactly one exists.
func (r *Registry) Lookup(node *testbed.Node) (DHCPEntry, bool) {
	lines, err := linesContaining(r.Paths.DNSMasqNodes, node.MACAddress)
	if err != nil || len(lines) != 1 {
		return DHCPEntry{}, false
	}
	parts := strings.Split(lines[0], ",")
	if len(parts) < 3 {
		return DHCPEntry{}, false
	}
	parts = parts[len(parts)-2:]
	return DHCPEntry{MAC: node.MACAddress, IPv4: parts[0], Hostname: parts[1]}, true
}

// ChangeHostname rewrites the node's DHCP entry with a new hostname, keeping
// its current address.
func (r *Registry) ChangeHostname(node *testbed.Node, hostname string) error {
	entry, ok := r.Lookup(node)
	if !ok {
		return fmt.Errorf("no unique dhcp entry for %s", node.ID)
	}
	r.Status.Infof("ipv4 address is %s", entry.IPv4)
	r.Status.Infof("hostname %s becomes %s", entry.Hostname, hostname)
	if err := r.RemoveDHCP(node); err != nil {
		return err
	}
	return r.AddDHCP(node, entry.IPv4, hostname)
}

// ChangeIPv4 rewrites the node's DHCP entry with a new address.
func (r *Registry) ChangeIPv4(node *testbed.Node, ipv4 string) error {
	if err := r.RemoveDHCP(node); err != nil {
		return err
	}
	return r.AddDHCP(node, ipv4, node.Name)
}

// IPv4Address reads the node's address back from its DHCP entry.
func (r *Registry) IPv4Address(node *testbed.Node) (string, bool) {
	entry, ok := r.Lookup(node)
	if !ok {
		return "", false
	}
	return entry.IPv4, true
}

// RestartServices restarts the NFS and DHCP daemons, once each.
func (r *Registry) RestartServices(ctx context.Context) {
	for _, service := range []string{nfsService, dnsmasqService} {
		err := r.Run.Run(ctx, "service", service, "restart")
		r.Status.Step(fmt.Sprintf("restarting %s", service), err == nil)
	}
}

// UnmountTFTP unmounts the node's TFTP directory (the boot partition bind
// mount).
func (r *Registry) UnmountTFTP(ctx context.Context, prefix string) error {
	return r.Run.Run(ctx, "umount", r.Paths.NodeTFTPDir(prefix))
}

// RemoveNFSRoot deletes the node's NFS root. Unless hard is set, an empty
// directory is recreated so the export stays valid.
func (r *Registry) RemoveNFSRoot(prefix string, hard bool) error {
	if err := os.RemoveAll(r.Paths.NodeNFSDir(prefix)); err != nil {
		return err
	}
	if hard {
		return nil
	}
	return os.MkdirAll(r.Paths.NodeNFSDir(prefix), 0o755)
}

// Usable reports whether the node can serve deployments: its NFS export
// directory, TFTP directory and DHCP entry all exist.
func (r *Registry) Usable(node *testbed.Node) bool {
	if _, err := os.Stat(r.Paths.NodeNFSDir(node.TFTPPrefix)); err != nil {
		return false
	}
	if _, err := os.Stat(r.Paths.NodeTFTPDir(node.TFTPPrefix)); err != nil {
		return false
	}
	lines, err := linesContaining(r.Paths.DNSMasqNodes, node.MACAddress)
	return err == nil && len(lines) > 0
}

// UsableNodes filters nodes down to the usable ones.
func (r *Registry) UsableNodes(nodes []testbed.Node) []testbed.Node {
	usable := make([]testbed.Node, 0, len(nodes))
	for _, node := range nodes {
		if r.Usable(&node) {
			usable = append(usable, node)
		}
	}
	return usable
}
