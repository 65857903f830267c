package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const buildLogContentType = "application/gzip"

// LogArchive keeps the full, gzip-compressed build log of each deployment.
// The deployment record only carries a bounded tail.
type LogArchive struct {
	backend Backend
}

func NewLogArchive(backend Backend) *LogArchive {
	return &LogArchive{backend: backend}
}

// BuildLogKey is the object key of a deployment's archived build log.
func BuildLogKey(deploymentID string) string {
	return "deployments/" + deploymentID + "/build.log.gz"
}

// Save compresses lines and stores them under BuildLogKey. Saving again
// replaces the previous archive, so retries are safe.
func (a *LogArchive) Save(ctx context.Context, deploymentID string, lines []string) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		if _, err := io.WriteString(zw, line); err != nil {
			return "", err
		}
		if _, err := io.WriteString(zw, "\n"); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	key := BuildLogKey(deploymentID)
	if err := a.backend.Put(ctx, key, buf.Bytes(), buildLogContentType); err != nil {
		return "", fmt.Errorf("archive build log: %w", err)
	}
	return key, nil
}

// Load returns the archived lines of a deployment, or ErrNotFound.
func (a *LogArchive) Load(ctx context.Context, deploymentID string) ([]string, error) {
	data, err := a.backend.Get(ctx, BuildLogKey(deploymentID))
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open build log archive: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read build log archive: %w", err)
	}
	text := strings.TrimSuffix(string(raw), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// Discard removes a deployment's archived build log, if any.
func (a *LogArchive) Discard(ctx context.Context, deploymentID string) error {
	if err := a.backend.Delete(ctx, BuildLogKey(deploymentID)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("discard build log: %w", err)
	}
	return nil
}

// Tail joins lines and keeps at most maxBytes from the end, cut at a line
// boundary.
func Tail(lines []string, maxBytes int) string {
	joined := strings.Join(lines, "\n")
	if maxBytes <= 0 || len(joined) <= maxBytes {
		return joined
	}
	cut := joined[len(joined)-maxBytes:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return cut
}
