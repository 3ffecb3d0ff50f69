package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sibylgw/sibyl/examples"
)

// runInit initializes a Sibyl working directory with default files:
// an example config and a starter memory document for the default
// agent. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Sibyl workspace in %s\n", dir)

	agentDir := filepath.Join(dir, "data", "agents", defaultAgentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", agentDir, err)
	}

	configPath := filepath.Join(dir, "sibyl.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s\n", configPath)

	memoryPath := filepath.Join(agentDir, "memory.md")
	if err := writeIfMissing(memoryPath, examples.MemoryMD); err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s\n", memoryPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit sibyl.yaml to point at your completion endpoint, then run: sibyl serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
