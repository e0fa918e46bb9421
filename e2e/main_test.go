//go:build e2e

package e2e

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var serverBinPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "piksel-e2e-bin-*")
	if err != nil {
		log.Fatalf("Failed to create build dir: %v", err)
	}

	serverBinPath, err = buildServer(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		log.Fatalf("Failed to build server: %v", err)
	}

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// buildServer compiles the module root into dir.
func buildServer(dir string) (string, error) {
	bin := filepath.Join(dir, "piksel")
	cmd := exec.Command("go", "build", "-o", bin, "..")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build: %w", err)
	}
	return bin, nil
}
