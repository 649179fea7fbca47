package scanner

import (
	"fmt"
	"os"

	"github.com/brandonhon/tls-cert-monitor/internal/config"
)

const maxCertFileSize = 1024 * 1024 // 1MB; certificates are typically much smaller

// osStat is a thin indirection over os.Stat kept as its own function so
// tests can see exactly what scanning depends on from the filesystem.
func osStat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// readCertificateFileSecurely reads a certificate file after re-validating
// that it sits inside an allowed directory, is a regular file, and is not
// implausibly large for a certificate.
func readCertificateFileSecurely(cfg *config.Config, path string) ([]byte, error) {
	if !cfg.IsPathAllowed(path) {
		return nil, fmt.Errorf("path not within allowed directories: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxCertFileSize {
		return nil, fmt.Errorf("certificate file too large: %d bytes", info.Size())
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	return os.ReadFile(path) // #nosec G304 -- path validated by IsPathAllowed above
}
