package workers

import (
	"context"
	"sync"

	"github.com/TheEntropyCollective/driftsync/pkg/fingerprint"
)

// FingerprintFiles computes fingerprints for the given absolute paths with
// bounded parallelism. Paths that disappear mid-scan are skipped rather than
// failing the batch; the filesystem is allowed to change under us and the
// reconciler rescans on the next notification.
func FingerprintFiles(ctx context.Context, limit int, paths []string) (map[string]fingerprint.Fingerprint, error) {
	results := make(map[string]fingerprint.Fingerprint, len(paths))
	var mu sync.Mutex

	err := ForEach(ctx, limit, len(paths), func(ctx context.Context, i int) error {
		fp, err := fingerprint.OfFile(paths[i])
		if err != nil {
			return nil // entry vanished or became unreadable; rescan will catch it
		}

		mu.Lock()
		results[paths[i]] = fp
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}
