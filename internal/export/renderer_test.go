package export

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func installFakeBinary(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
}

func TestCheckChromiumAcceptsAnyKnownBinary(t *testing.T) {
	for _, name := range chromeBinaries {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			installFakeBinary(t, dir, name)
			t.Setenv("PATH", dir)

			if err := checkChromium(); err != nil {
				t.Fatalf("checkChromium() with %s on PATH = %v, want nil", name, err)
			}
		})
	}
}

func TestCheckChromiumMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	err := checkChromium()
	if !errors.Is(err, ErrRenderDependencyMissing) {
		t.Fatalf("checkChromium() error = %v, want ErrRenderDependencyMissing", err)
	}
}
