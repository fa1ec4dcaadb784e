package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

// GraphTransfer moves file bytes between the local filesystem and a
// MemGraph. It satisfies the executor's Transfer contract; against a real
// storage graph the transfer subsystem replaces this implementation.
type GraphTransfer struct {
	graph *MemGraph
}

// NewGraphTransfer creates a transfer bound to graph.
func NewGraphTransfer(graph *MemGraph) *GraphTransfer {
	return &GraphTransfer{graph: graph}
}

// Upload reads the file at localPath and stores it remotely: in place when
// existing is a live handle, as a new child of parent otherwise.
func (t *GraphTransfer) Upload(ctx context.Context, localPath string, parent, existing Handle, name string) (Handle, error) {
	select {
	case <-ctx.Done():
		return None, ctx.Err()
	default:
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return None, fmt.Errorf("failed to stat upload source: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return None, fmt.Errorf("failed to read upload source: %w", err)
	}

	fp, err := fingerprint.OfReader(bytes.NewReader(data), int64(len(data)), info.ModTime().Unix())
	if err != nil {
		return None, fmt.Errorf("failed to fingerprint upload source: %w", err)
	}

	h, err := t.graph.PutContent(parent, existing, name, data, fp)
	if err != nil {
		return None, err
	}
	return h, nil
}

// Download writes the remote file's bytes to destPath and stamps the
// remote modification time so fingerprints line up. The received bytes are
// checked against the node's advertised fingerprint before anything touches
// the destination; a mismatch is reported as ErrIntegrity.
func (t *GraphTransfer) Download(ctx context.Context, h Handle, destPath string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, info, err := t.graph.GetContent(h)
	if err != nil {
		return err
	}

	fp, err := fingerprint.OfReader(bytes.NewReader(data), int64(len(data)), info.Fingerprint.MTime)
	if err != nil {
		return fmt.Errorf("failed to fingerprint download: %w", err)
	}
	if !fingerprint.Equivalent(fp, info.Fingerprint) {
		return fmt.Errorf("node %d: %w", h, ErrIntegrity)
	}

	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write download target: %w", err)
	}

	mtime := time.Unix(info.Fingerprint.MTime, 0)
	if err := os.Chtimes(destPath, mtime, mtime); err != nil {
		return fmt.Errorf("failed to stamp download target: %w", err)
	}

	return nil
}
