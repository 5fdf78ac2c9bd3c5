package imagefile

import "strings"

// Variable is one HCL variable declaration emitted ahead of the source
// block.
type Variable struct {
	Name    string
	Type    string
	Default string
}

// Preamble is the architecture-specific head of the builder input: the
// source block configuring how the base image is obtained and booted. The
// ARM variant drives the containerized image builder, the x86 variant a
// virtualbox install from ISO.
type Preamble interface {
	// Variables lists HCL variables the source block references.
	Variables() []Variable
	// Plugin names the packer source plugin.
	Plugin() string
	// Values lists the source block's key/value pairs in emission order.
	Values() []kv

	// ParseBaseImage consumes a FROM line: location plus optional checksum
	// type (sha256 when absent).
	ParseBaseImage(line string) error
	// Filename returns the configured base image location.
	Filename() string
	// SetFilepath points the preamble at a relocated base image.
	SetFilepath(path string)
	// ChecksumType returns the configured checksum type.
	ChecksumType() string
	// SetChecksum overrides the checksum value or URL.
	SetChecksum(checksum string)
	// PreseedFile returns the staged preseed file, empty when unused.
	PreseedFile() string
	// SetPreseedFile stages a preseed file (x86 only; a no-op on ARM).
	SetPreseedFile(path string)
}

// preambleHCL emits the variables and the opening of the source block; the
// caller closes the block after appending partitions.
func preambleHCL(p Preamble) string {
	var b strings.Builder
	for _, variable := range p.Variables() {
		b.WriteString(variableBlock(variable.Name, variable.Type, variable.Default))
	}
	b.WriteString(`source "` + p.Plugin() + `" "imagefile" {` + "\n")
	for _, entry := range p.Values() {
		writeAligned(&b, 2, 20, entry.key, entry.value)
	}
	return b.String()
}

// splitBaseImageLine parses "location [checksum-type]".
func splitBaseImageLine(line string) (location, checksumType string, ok bool) {
	parts := strings.Fields(line)
	switch len(parts) {
	case 1:
		return parts[0], "sha256", true
	case 2:
		return parts[0], parts[1], true
	}
	return "", "", false
}

func extensionOf(path string) string {
	parts := strings.Split(path, ".")
	return parts[len(parts)-1]
}
