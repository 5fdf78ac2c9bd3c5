package image

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
)

// BuildDirectory is the directory inside every artifact that holds the disk
// image and its configuration manifest.
const BuildDirectory = "os-build"

// ManifestName is the manifest filename inside BuildDirectory.
const ManifestName = "configuration.json"

// ErrNoManifest is returned when an artifact has no configuration manifest.
var ErrNoManifest = fmt.Errorf("artifact has no %s/%s", BuildDirectory, ManifestName)

// ExtractConfiguration reads the configuration manifest out of a packaged
// artifact without unpacking the disk image.
func ExtractConfiguration(zipPath string) (*Configuration, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", zipPath, err)
	}
	defer reader.Close()
	for _, entry := range reader.File {
		if filepath.ToSlash(entry.Name) != BuildDirectory+"/"+ManifestName {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("opening manifest in %s: %w", zipPath, err)
		}
		defer rc.Close()
		var cfg Configuration
		if err := json.NewDecoder(rc).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decoding manifest in %s: %w", zipPath, err)
		}
		return &cfg, nil
	}
	return nil, ErrNoManifest
}

// Unpack extracts a packaged artifact into dir.
func Unpack(zipPath, dir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening artifact %s: %w", zipPath, err)
	}
	defer reader.Close()
	for _, entry := range reader.File {
		target := filepath.Join(dir, filepath.FromSlash(entry.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("artifact %s: entry %q escapes destination", zipPath, entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("unpacking %s: %w", entry.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("unpacking %s: %w", entry.Name, err)
		}
	}
	return nil
}

// CompressDir packages dir into zipPath. Entry names are prefixed with the
// base name of dir, matching what `zip -r out.zip ./dir` would produce, so
// artifacts built here and artifacts built by hand unpack identically.
func CompressDir(zipPath, dir string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", zipPath, err)
	}
	writer := zip.NewWriter(out)
	writer.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	prefix := filepath.Base(dir)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		if info.IsDir() {
			_, err := writer.Create(name + "/")
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate
		entry, err := writer.CreateHeader(header)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(entry, in)
		return err
	})
	if err != nil {
		writer.Close()
		out.Close()
		return fmt.Errorf("compressing %s: %w", dir, err)
	}
	if err := writer.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
