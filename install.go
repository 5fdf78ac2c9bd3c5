package testbed

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RequiredBinaries are the external utilities the engine shells out to.
var RequiredBinaries = []string{
	"cp", "curl", "fdisk", "kpartx", "lvdisplay", "mount", "mv", "pvs",
	"rsync", "screen", "service", "ssh", "umount", "vgchange", "qemu-img",
}

// RequiredServices are the daemons network boot depends on.
var RequiredServices = []string{"dnsmasq", "nfs-kernel-server", "rpcbind"}

// Check verifies that every required binary is on PATH and every required
// service answers a status query.
func Check(ctx context.Context, run Runner, status *Status) {
	for _, binary := range RequiredBinaries {
		_, err := exec.LookPath(binary)
		status.Step("checking "+binary, err == nil)
	}
	for _, service := range RequiredServices {
		err := run.Run(ctx, "service", service, "status")
		status.Step("checking "+service, err == nil)
	}
}

// defaultDNSMasqConf is the dnsmasq include seeded by Install: DHCP logging,
// TFTP serving from the TFTP root, and the per-node host file.
func defaultDNSMasqConf(paths Paths) string {
	lines := []string{
		"log-dhcp",
		"enable-tftp",
		"tftp-root=" + paths.TFTPRoot,
		`pxe-service=0,"Raspberry Pi Boot"`,
		"log-facility=/var/log/dnsmasq.log",
		"local=/cluster/",
		"domain=cluster",
		"conf-file=" + paths.DNSMasqNodes,
	}
	return strings.Join(lines, "\n") + "\n"
}

// Install creates the on-host directory layout and seeds the dnsmasq
// configuration, restarting dnsmasq when the configuration changed.
func Install(ctx context.Context, paths Paths, run Runner, status *Status) error {
	for _, dir := range []string{
		paths.Base, paths.OSImages, paths.Tmp, paths.NFSRoot,
		paths.Logs, paths.TFTPRoot, paths.Results,
	} {
		err := os.MkdirAll(dir, 0o755)
		status.Step("creating "+dir, err == nil)
		if err != nil {
			return err
		}
	}
	// Anyone may drop images into the store.
	if err := os.Chmod(paths.OSImages, 0o777); err != nil {
		return err
	}
	if _, err := os.Stat(paths.ConfigFile()); os.IsNotExist(err) {
		if err := os.WriteFile(paths.ConfigFile(), nil, 0o644); err != nil {
			return err
		}
	}
	needsRestart := false
	if _, err := os.Stat(paths.DNSMasqConf); os.IsNotExist(err) {
		needsRestart = true
		if err := os.WriteFile(paths.DNSMasqConf, []byte(defaultDNSMasqConf(paths)), 0o644); err != nil {
			return err
		}
		if err := appendToSystemDNSMasq(paths); err != nil {
			return fmt.Errorf("linking dnsmasq configuration: %w", err)
		}
	}
	if _, err := os.Stat(paths.DNSMasqNodes); os.IsNotExist(err) {
		needsRestart = true
		if err := os.WriteFile(paths.DNSMasqNodes, nil, 0o644); err != nil {
			return err
		}
	}
	if needsRestart {
		status.Step("restarting dnsmasq", run.Run(ctx, "service", "dnsmasq", "restart") == nil)
	}
	return nil
}

func appendToSystemDNSMasq(paths Paths) error {
	const systemConf = "/etc/dnsmasq.conf"
	line := "conf-file=" + paths.DNSMasqConf
	data, err := os.ReadFile(systemConf)
	if err != nil {
		return err
	}
	for _, have := range strings.Split(string(data), "\n") {
		if have == line {
			return nil
		}
	}
	f, err := os.OpenFile(systemConf, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
