package httpapi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// saveUpload copies an incoming multipart file into uploadDir under a
// timestamp-prefixed name, so repeated uploads of the same filename never
// collide with an in-flight ingest.
func saveUpload(uploadDir, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	safeName := strings.ReplaceAll(filepath.Base(filename), " ", "_")
	destName := fmt.Sprintf("%d_%s", time.Now().UnixNano(), safeName)
	destPath := filepath.Join(uploadDir, destName)

	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("creating upload dest: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	return destPath, nil
}
