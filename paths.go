package testbed

import "path/filepath"

// Paths fixes where the control host keeps its state. All components receive
// a Paths value instead of reaching for globals so tests can point them at a
// scratch directory.
type Paths struct {
	Base     string // configuration, ledger, ssh keys
	OSImages string // packaged image artifacts, <name>.zip
	Tmp      string // provisioning sandboxes
	Results  string // per-node and per-deployment results and logs
	Logs     string
	TFTPRoot string // per-node TFTP roots, served by dnsmasq
	NFSRoot  string // per-node NFS roots, served by the NFS daemon

	DNSMasqConf  string // our dnsmasq include file
	DNSMasqNodes string // one dhcp-host line per node
	Exports      string // the NFS exports file
}

// DefaultPaths is the fixed on-host layout.
func DefaultPaths() Paths {
	const base = "/etc/testbed"
	return Paths{
		Base:         base,
		OSImages:     filepath.Join(base, "os_images"),
		Tmp:          filepath.Join(base, "tmp"),
		Results:      filepath.Join(base, "results"),
		Logs:         filepath.Join(base, "logs"),
		TFTPRoot:     "/tftpboot",
		NFSRoot:      "/nfs",
		DNSMasqConf:  filepath.Join(base, "dnsmasq.conf"),
		DNSMasqNodes: filepath.Join(base, "nodes.dnsmasq"),
		Exports:      "/etc/exports",
	}
}

// TestPaths lays the same structure out under dir. Test helper.
func TestPaths(dir string) Paths {
	return Paths{
		Base:         dir,
		OSImages:     filepath.Join(dir, "os_images"),
		Tmp:          filepath.Join(dir, "tmp"),
		Results:      filepath.Join(dir, "results"),
		Logs:         filepath.Join(dir, "logs"),
		TFTPRoot:     filepath.Join(dir, "tftpboot"),
		NFSRoot:      filepath.Join(dir, "nfs"),
		DNSMasqConf:  filepath.Join(dir, "dnsmasq.conf"),
		DNSMasqNodes: filepath.Join(dir, "nodes.dnsmasq"),
		Exports:      filepath.Join(dir, "exports"),
	}
}

// ConfigFile is the cluster configuration location under Base.
func (p Paths) ConfigFile() string { return filepath.Join(p.Base, "config.yml") }

// LedgerFile is the sqlite database location under Base.
func (p Paths) LedgerFile() string { return filepath.Join(p.Base, "testbed.db") }

// ImageFile is the packaged artifact path for an image name.
func (p Paths) ImageFile(name string) string {
	return filepath.Join(p.OSImages, name+".zip")
}

// NodeTFTPDir is the TFTP root served to one node.
func (p Paths) NodeTFTPDir(prefix string) string { return filepath.Join(p.TFTPRoot, prefix) }

// NodeNFSDir is the NFS root served to one node.
func (p Paths) NodeNFSDir(prefix string) string { return filepath.Join(p.NFSRoot, prefix) }

// NodeResultsDir is where a node's captured logs and retrieved results live.
func (p Paths) NodeResultsDir(id string) string { return filepath.Join(p.Results, id) }

// SandboxDir is the scratch directory of one provisioning or build run.
func (p Paths) SandboxDir(name string) string { return filepath.Join(p.Tmp, name) }

// DeployerKey is the SSH private key the engine uses to reach nodes.
func (p Paths) DeployerKey() string { return filepath.Join(p.Base, "deployer") }
