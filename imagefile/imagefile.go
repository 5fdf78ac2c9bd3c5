// Package imagefile is the image-recipe compiler: it parses the
// line-oriented recipe DSL, composes a packer build plan per architecture,
// runs the builder, and packages the result with its configuration
// manifest.
package imagefile

import (
	"sort"
	"strings"

	"github.com/banksean/testbed"
	"github.com/banksean/testbed/image"
)

// Imagefile is a parsed recipe plus everything accumulated for the build:
// the architecture preamble, the declared partitions keyed by mountpoint,
// the provisioner steps, and the manifest under construction.
type Imagefile struct {
	Name             string
	Architecture     testbed.Architecture
	Preamble         Preamble
	Partitions       map[string]image.Partition
	Configuration    image.Configuration
	Provisioners     []Provisioner
	PostProvisioners []PostProvisioner
}

// NewImagefile seeds an Imagefile for the architecture. The x86 build gets a
// post-processor renaming the builder's output into the generated.* names
// the rest of the pipeline expects.
func NewImagefile(name string, arch testbed.Architecture) *Imagefile {
	file := &Imagefile{
		Name:         name,
		Architecture: arch,
		Partitions:   map[string]image.Partition{},
	}
	switch arch {
	case testbed.X86:
		file.Preamble = NewX86Preamble()
		file.PostProvisioners = []PostProvisioner{{
			Command: []string{
				"mv output/${var.vmname}-disk001.vmdk generated.vmdk",
				"mv output/${var.vmname}.ovf generated.ovf",
				"rm -rf output/",
			},
		}}
	default:
		file.Preamble = NewARMPreamble()
	}
	return file
}

// sortedPartitions returns the declared partitions ordered by start sector.
func (f *Imagefile) sortedPartitions() []image.Partition {
	partitions := make([]image.Partition, 0, len(f.Partitions))
	for _, partition := range f.Partitions {
		partitions = append(partitions, partition)
	}
	sort.SliceStable(partitions, func(i, j int) bool {
		return partitions[i].Start() < partitions[j].Start()
	})
	return partitions
}

func partitionHCL(p image.Partition) string {
	return partitionBlock(partitionValues{
		{"filesystem", quote(p.Filesystem)},
		{"mountpoint", quote(p.Mountpoint)},
		{"name", quote(p.Name)},
		{"size", quote(p.Size)},
		{"start_sector", quote(p.StartSector)},
		{"type", quote(p.Type)},
	})
}

// PkrHCL renders the complete builder input: preamble, partition blocks
// (ARM only; x86 installs onto a virtual disk), and the build section with
// grouped provisioners. It also copies the partition table into the
// manifest.
func (f *Imagefile) PkrHCL() string {
	var b strings.Builder
	b.WriteString(preambleHCL(f.Preamble))
	f.Configuration.Partitions = f.sortedPartitions()
	if len(f.Configuration.Partitions) > 0 && f.Architecture.ARM() {
		for _, partition := range f.Configuration.Partitions {
			b.WriteString(partitionHCL(partition))
		}
	}
	b.WriteString("\n}\n")
	b.WriteString("build {\n")
	writeIndented(&b, 2, "sources = [\"source."+f.Preamble.Plugin()+".imagefile\"]\n\n")
	for _, provisioner := range GroupProvisioners(f.Provisioners) {
		b.WriteString(provisioner.HCL())
		b.WriteString("\n")
	}
	for _, post := range f.PostProvisioners {
		b.WriteString(post.HCL())
		b.WriteString("\n")
	}
	b.WriteString("\n}\n")
	return b.String()
}
