package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/smartroam/internal/defaults"
)

// runInit writes the example configuration into dir. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing SmartRoam config in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// 0600: the file holds broker passwords and API tokens.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Edit %s, then try: smartroam -config %s scan\n", configPath, configPath)
	return nil
}

// writeIfMissing writes content to path with mode only if the file does
// not already exist, and reports what it did to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
