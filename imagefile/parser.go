package imagefile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
)

// command is one recipe line: the leading token and the rest of the line.
type command struct {
	name string
	args string
}

// Parse reads a recipe file and returns the assembled Imagefile. The
// architecture must be declared exactly once; everything else accumulates in
// file order.
func Parse(path string) (*Imagefile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}
	commands := sanitize(string(content))
	arch, err := architectureOf(commands)
	if err != nil {
		return nil, err
	}
	file := NewImagefile("generated.img", arch)
	for _, cmd := range commands {
		if cmd.name == "ARCH" {
			continue
		}
		if err := applyCommand(file, cmd); err != nil {
			return nil, fmt.Errorf("line %q: %w", cmd.name+" "+cmd.args, err)
		}
	}
	return file, nil
}

// sanitize joins continuation lines, drops comments and blanks, and keeps
// only recognized commands.
func sanitize(content string) []command {
	joined := strings.ReplaceAll(content, "\\\n", "")
	var commands []command
	for _, line := range strings.Split(joined, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if !supportedCommands[name] {
			continue
		}
		args := strings.Replace(line, name+" ", "", 1)
		if args == line {
			args = ""
		}
		commands = append(commands, command{name: name, args: args})
	}
	return commands
}

var supportedCommands = map[string]bool{
	"FROM": true, "RUN": true, "FS": true, "FILE": true, "CONFIG": true,
	"ON-DEVICE": true, "PREBUILT": true, "ENTRYPOINT": true, "ARCH": true,
	"BOOTCMD": true, "DISKSIZE": true, "CHECKSUM": true, "PRESEED": true,
	"OBSERVE_BUILD": true, "VM_TYPE": true, "SSH_USER": true,
	"SSH_PASSWORD": true, "SHUTDOWN_CMD": true, "BOOT_TIME": true,
	"PXE_KERNEL": true, "PXE_OPTIONS": true,
}

func architectureOf(commands []command) (testbed.Architecture, error) {
	var found []testbed.Architecture
	for _, cmd := range commands {
		if cmd.name != "ARCH" {
			continue
		}
		arch, err := testbed.ParseArchitecture(cmd.args)
		if err != nil {
			return "", err
		}
		found = append(found, arch)
	}
	if len(found) != 1 {
		return "", fmt.Errorf("recipe must declare exactly one ARCH, found %d", len(found))
	}
	return found[0], nil
}

func applyCommand(file *Imagefile, cmd command) error {
	switch cmd.name {
	case "FROM":
		return file.Preamble.ParseBaseImage(cmd.args)
	case "CHECKSUM":
		file.Preamble.SetChecksum(cmd.args)
	case "RUN":
		return appendShell(file, cmd.args)
	case "FILE":
		provisioner, err := ParseFile(cmd.args)
		if err != nil {
			return err
		}
		file.Provisioners = append(file.Provisioners, provisioner)
	case "FS":
		return parsePartition(file, cmd.args)
	case "CONFIG":
		files := strings.Fields(cmd.args)
		if len(files) == 0 {
			return fmt.Errorf("CONFIG needs at least one file")
		}
		file.Configuration.BootConfigs = append(file.Configuration.BootConfigs, image.BootConfig{Files: files})
	case "ON-DEVICE":
		file.Configuration.OnDevice = true
	case "PREBUILT":
		file.Configuration.Prebuilt = true
	case "ENTRYPOINT":
		return appendEntrypoint(file, cmd.args)
	case "PXE_KERNEL":
		file.Configuration.PXE = true
		file.Configuration.PXEKernel = cmd.args
	case "PXE_OPTIONS":
		file.Configuration.PXE = true
		file.Configuration.PXEOptions = cmd.args
	default:
		return applyX86Command(file, cmd)
	}
	return nil
}

// applyX86Command handles the builder-preamble commands only the x86 recipe
// understands; on ARM recipes they are ignored.
func applyX86Command(file *Imagefile, cmd command) error {
	preamble, ok := file.Preamble.(*X86Preamble)
	if !ok {
		return nil
	}
	switch cmd.name {
	case "BOOTCMD":
		preamble.BootCommand = append(preamble.BootCommand, cmd.args)
	case "PRESEED":
		preamble.SetPreseedFile(cmd.args)
	case "OBSERVE_BUILD":
		preamble.SetHeadless(false)
	case "VM_TYPE":
		preamble.SetGuestOSType(cmd.args)
	case "SSH_USER":
		preamble.SetSSHUsername(cmd.args)
	case "SSH_PASSWORD":
		preamble.SetSSHPassword(cmd.args)
	case "SHUTDOWN_CMD":
		preamble.SetShutdownCommand(cmd.args)
	case "BOOT_TIME":
		preamble.SetBootWait(cmd.args)
	case "DISKSIZE":
		size, err := strconv.Atoi(cmd.args)
		if err != nil {
			return fmt.Errorf("DISKSIZE: %w", err)
		}
		preamble.SetDiskSize(size)
	}
	return nil
}

func appendShell(file *Imagefile, line string) error {
	provisioner, err := ParseShell(line)
	if err != nil {
		return err
	}
	file.Provisioners = append(file.Provisioners, provisioner)
	return nil
}

func parsePartition(file *Imagefile, line string) error {
	parts := strings.Fields(line)
	if len(parts) != 6 {
		return fmt.Errorf("FS needs 6 fields (fs mountpoint name size start-sector type), got %d", len(parts))
	}
	partition := image.Partition{
		Filesystem:  parts[0],
		Mountpoint:  parts[1],
		Name:        parts[2],
		Size:        parts[3],
		StartSector: parts[4],
		Type:        parts[5],
	}
	file.Partitions[partition.Mountpoint] = partition
	return nil
}

// appendEntrypoint expands ENTRYPOINT into the canned shell steps that
// install a crontab-triggered /entrypoint.sh wrapping the command with
// result-directory creation and log-server lifecycle POSTs.
func appendEntrypoint(file *Imagefile, entry string) error {
	steps := []string{
		"echo 'PATH=/sbin:/bin:/usr/sbin:/usr/bin' >> /root/cron",
		"echo '@reboot sh /entrypoint.sh' >> /root/cron",
		"/usr/bin/crontab /root/cron",
		"echo '#!/usr/bin/env sh' > /entrypoint.sh",
		"echo 'mkdir /results' >> /entrypoint.sh",
		"echo 'date > /results/.started' >> /entrypoint.sh",
		`echo 'curl --location --request POST '%LOG_SERVER%' --header 'Content-Type: text/plain' --data-raw "started"' >> /entrypoint.sh`,
		fmt.Sprintf("echo '%s' >> /entrypoint.sh", entry),
		"echo 'echo $? > /results/.exited' >> /entrypoint.sh",
		`echo 'curl --location --request POST '%LOG_SERVER%' --header 'Content-Type: text/plain' --data-raw "exited"' >> /entrypoint.sh`,
		"echo 'date >> /results/.exited' >> /entrypoint.sh",
		`echo 'curl --location --request POST '%LOG_SERVER%' --header 'Content-Type: text/plain' --data-raw "shutdown"' >> /entrypoint.sh`,
		"echo 'shutdown now' >> /entrypoint.sh",
	}
	for _, step := range steps {
		if err := appendShell(file, step); err != nil {
			return err
		}
	}
	return nil
}
