package imagefile

import "fmt"

// ARMPreamble configures the containerized ARM image builder: the base image
// is a disk image that is reused and modified in place.
type ARMPreamble struct {
	imageBuildMethod    string
	imagePath           string
	imageSize           string
	imageType           string
	imageChrootEnv      []string
	fileChecksumType    string
	fileChecksumURL     string
	fileTargetExtension string
	fileURLs            []string
}

// NewARMPreamble returns the default ARM preamble.
func NewARMPreamble() *ARMPreamble {
	return &ARMPreamble{
		imageBuildMethod: "reuse",
		imagePath:        "generated.img",
		imageSize:        "2G",
		imageType:        "dos",
		imageChrootEnv: []string{
			"PATH=/usr/local/bin:/usr/local/sbin:/usr/bin:/usr/sbin:/bin:/sbin",
		},
	}
}

func (p *ARMPreamble) Variables() []Variable { return nil }

func (p *ARMPreamble) Plugin() string { return "arm" }

func (p *ARMPreamble) Values() []kv {
	return []kv{
		{"image_build_method", quote(p.imageBuildMethod)},
		{"image_path", quote(p.imagePath)},
		{"image_size", quote(p.imageSize)},
		{"image_type", quote(p.imageType)},
		{"image_chroot_env", quoteList(p.imageChrootEnv)},
		{"file_checksum_type", quote(p.fileChecksumType)},
		{"file_checksum_url", quote(p.fileChecksumURL)},
		{"file_target_extension", quote(p.fileTargetExtension)},
		{"file_urls", quoteList(p.fileURLs)},
	}
}

func (p *ARMPreamble) ParseBaseImage(line string) error {
	location, checksumType, ok := splitBaseImageLine(line)
	if !ok {
		return fmt.Errorf("could not parse base image line %q", line)
	}
	p.fileChecksumType = checksumType
	p.fileChecksumURL = location + "." + checksumType
	p.fileTargetExtension = extensionOf(location)
	p.fileURLs = []string{location}
	return nil
}

func (p *ARMPreamble) Filename() string {
	if len(p.fileURLs) == 0 {
		return ""
	}
	return p.fileURLs[0]
}

func (p *ARMPreamble) SetFilepath(path string) {
	p.fileURLs = []string{path}
	p.fileTargetExtension = extensionOf(path)
	p.fileChecksumURL = path + "." + p.fileChecksumType
}

func (p *ARMPreamble) ChecksumType() string { return p.fileChecksumType }

func (p *ARMPreamble) SetChecksum(checksum string) { p.fileChecksumURL = checksum }

func (p *ARMPreamble) PreseedFile() string { return "" }

func (p *ARMPreamble) SetPreseedFile(string) {}
