package netboot

import (
	"fmt"
	"os"
	"strings"
)

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSuffix(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func writeLines(path string, lines []string) error {
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// appendLine appends line to path unless an identical line already exists,
// which makes repeated adds idempotent.
func appendLine(path, line string) error {
	lines, err := readLines(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	for _, have := range lines {
		if have == line {
			return nil
		}
	}
	return writeLines(path, append(lines, line))
}

// removeLinesContaining drops every line containing needle from path.
// Removing a line that is not there is not an error.
func removeLinesContaining(path, needle string) error {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	kept := lines[:0]
	for _, line := range lines {
		if !strings.Contains(line, needle) {
			kept = append(kept, line)
		}
	}
	return writeLines(path, kept)
}

// removeExactLine drops every line equal to line from path.
func removeExactLine(path, line string) error {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	kept := lines[:0]
	for _, have := range lines {
		if have != line {
			kept = append(kept, have)
		}
	}
	return writeLines(path, kept)
}

// linesContaining returns the lines of path containing needle.
func linesContaining(path, needle string) ([]string, error) {
	lines, err := readLines(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out []string
	for _, line := range lines {
		if strings.Contains(line, needle) {
			out = append(out, line)
		}
	}
	return out, nil
}

// ReplaceInFile substitutes every occurrence of needle with replacement,
// line by line. Boot-config templates are resolved with this.
func ReplaceInFile(path, needle, replacement string) error {
	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	for i, line := range lines {
		lines[i] = strings.ReplaceAll(line, needle, replacement)
	}
	return writeLines(path, lines)
}
