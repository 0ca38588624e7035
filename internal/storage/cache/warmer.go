package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WarmerConfig controls how versions are preloaded.
type WarmerConfig struct {
	// How many versions to read concurrently
	BatchSize int
	// Maximum time to wait for warming operations
	Timeout time.Duration
}

// WarmingResult summarises one Warm call.
type WarmingResult struct {
	Requested int
	Warmed    int
	Skipped   int // Already cached
	Errors    []error
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Warm reads versions through the cache so later reads are hits. Versions
// are read BatchSize at a time; a failed version is recorded in the result
// and does not stop the others.
func (c *ModelCache) Warm(ctx context.Context, cfg WarmerConfig, versions ...string) *WarmingResult {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	result := &WarmingResult{
		Requested: len(versions),
		StartTime: time.Now(),
	}

	pending := make([]string, 0, len(versions))
	seen := make(map[string]bool, len(versions))
	for _, v := range versions {
		if seen[v] {
			continue
		}
		seen[v] = true
		if c.Contains(v) {
			result.Skipped++
			continue
		}
		pending = append(pending, v)
	}

	for i := 0; i < len(pending); i += cfg.BatchSize {
		end := min(i+cfg.BatchSize, len(pending))
		warmed, errs := c.warmBatch(ctx, pending[i:end])
		result.Warmed += warmed
		result.Errors = append(result.Errors, errs...)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	c.logger.Debug().
		Int("requested", result.Requested).
		Int("warmed", result.Warmed).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Cache warming completed")
	return result
}

func (c *ModelCache) warmBatch(ctx context.Context, versions []string) (int, []error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		warmed int
		errs   []error
	)
	for _, v := range versions {
		wg.Add(1)
		go func(version string) {
			defer wg.Done()
			_, err := c.Read(ctx, version)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to warm %s: %w", version, err))
				return
			}
			warmed++
		}(v)
	}
	wg.Wait()
	return warmed, errs
}

// Preload is a convenience for warming with the default config and
// reporting the first failure.
func Preload(ctx context.Context, c *ModelCache, versions ...string) error {
	result := c.Warm(ctx, WarmerConfig{}, versions...)
	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return nil
}
