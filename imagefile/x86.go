package imagefile

import (
	"fmt"
	"strconv"

	"github.com/banksean/testbed"
)

// X86Preamble configures the native x86 builder: a virtualbox install from
// an ISO, driven by a boot command and an optional preseed file served over
// the builder's HTTP directory.
type X86Preamble struct {
	BootCommand        []string
	bootWait           string
	diskSize           int
	guestAdditionsMode string
	guestOSType        string
	httpDirectory      string
	headless           bool
	isoChecksum        string
	isoChecksumType    string
	isoURL             string
	shutdownCommand    string
	sshUsername        string
	sshPassword        string
	sshWaitTimeout     string
	vmName             string
	preseedFile        string
	outputDirectory    string
}

// NewX86Preamble returns the default x86 preamble with a random VM name.
func NewX86Preamble() *X86Preamble {
	return &X86Preamble{
		bootWait:           "30s",
		diskSize:           8192,
		guestAdditionsMode: "disable",
		guestOSType:        "Linux26_64",
		headless:           true,
		httpDirectory:      "http",
		isoChecksumType:    "sha256",
		shutdownCommand:    "echo 'vagrant' | poweroff",
		sshUsername:        "root",
		sshPassword:        "alpine",
		sshWaitTimeout:     "1000s",
		vmName:             testbed.RandomName(),
		outputDirectory:    "output",
	}
}

func (p *X86Preamble) Variables() []Variable {
	return []Variable{{Name: "vmname", Type: "string", Default: p.vmName}}
}

func (p *X86Preamble) Plugin() string { return "virtualbox-iso" }

func (p *X86Preamble) Values() []kv {
	values := []kv{
		{"boot_command", quoteList(p.BootCommand)},
		{"boot_wait", quote(p.bootWait)},
		{"disk_size", strconv.Itoa(p.diskSize)},
		{"guest_additions_mode", quote(p.guestAdditionsMode)},
		{"guest_os_type", quote(p.guestOSType)},
		{"headless", strconv.FormatBool(p.headless)},
	}
	if p.preseedFile != "" {
		values = append(values, kv{"http_directory", quote(p.httpDirectory)})
	}
	values = append(values,
		kv{"iso_checksum", quote(p.isoChecksumType + ":" + p.isoChecksum)},
		kv{"iso_url", quote(p.isoURL)},
		kv{"shutdown_command", quote(p.shutdownCommand)},
		kv{"ssh_password", quote(p.sshPassword)},
		kv{"ssh_username", quote(p.sshUsername)},
		kv{"ssh_wait_timeout", quote(p.sshWaitTimeout)},
		kv{"vm_name", quote(p.vmName)},
		kv{"output_directory", quote(p.outputDirectory)},
	)
	return values
}

func (p *X86Preamble) ParseBaseImage(line string) error {
	location, checksumType, ok := splitBaseImageLine(line)
	if !ok {
		return fmt.Errorf("could not parse base image line %q", line)
	}
	p.isoURL = location
	p.isoChecksumType = checksumType
	p.isoChecksum = ""
	return nil
}

func (p *X86Preamble) Filename() string { return p.isoURL }

func (p *X86Preamble) SetFilepath(path string) { p.isoURL = path }

func (p *X86Preamble) ChecksumType() string { return p.isoChecksumType }

func (p *X86Preamble) SetChecksum(checksum string) { p.isoChecksum = checksum }

func (p *X86Preamble) PreseedFile() string { return p.preseedFile }

func (p *X86Preamble) SetPreseedFile(path string) { p.preseedFile = path }

// SetSSHUsername overrides the install user the builder logs in as.
func (p *X86Preamble) SetSSHUsername(user string) { p.sshUsername = user }

// SetSSHPassword overrides the install password.
func (p *X86Preamble) SetSSHPassword(password string) { p.sshPassword = password }

// SetBootWait overrides how long the builder waits before typing the boot
// command.
func (p *X86Preamble) SetBootWait(wait string) { p.bootWait = wait }

// SetHeadless toggles whether the builder shows the VM console.
func (p *X86Preamble) SetHeadless(headless bool) { p.headless = headless }

// SetShutdownCommand overrides how the builder powers the VM off.
func (p *X86Preamble) SetShutdownCommand(command string) { p.shutdownCommand = command }

// SetGuestOSType overrides the virtualbox guest OS type.
func (p *X86Preamble) SetGuestOSType(guestType string) { p.guestOSType = guestType }

// SetDiskSize overrides the VM disk size in megabytes.
func (p *X86Preamble) SetDiskSize(size int) { p.diskSize = size }
