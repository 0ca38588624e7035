package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/objones25/factorstore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Verifier reads a written version back and compares it with the model it
// was written from.
type Verifier struct {
	backend string
	reader  storage.ModelReader
	timeout time.Duration
	logger  zerolog.Logger
}

// VerificationResult counts how the stored version differs from the model.
type VerificationResult struct {
	Version      string
	Checked      int  // Records in the model
	Missing      int  // In the model, not stored
	Mismatches   int  // Stored with different features
	Extra        int  // Stored, not in the model
	RankMismatch bool // Metadata rank differs from the model's
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
}

// Consistent reports whether the stored version matches the model exactly.
func (r *VerificationResult) Consistent() bool {
	return !r.RankMismatch && r.Missing == 0 && r.Mismatches == 0 && r.Extra == 0
}

// NewVerifier creates a verifier reading through r. A non-positive timeout
// defaults to five minutes.
func NewVerifier(backend string, r storage.ModelReader, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Verifier{
		backend: backend,
		reader:  r,
		timeout: timeout,
		logger:  log.With().Str("component", "verifier").Str("backend", backend).Logger(),
	}
}

// Verify checks that version holds exactly model's vectors.
func (v *Verifier) Verify(ctx context.Context, model storage.Model, version string) (*VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &VerificationResult{Version: version, StartTime: time.Now()}

	want, err := storage.Materialize(model, version)
	if err != nil {
		return nil, err
	}
	stored, err := v.reader.Read(ctx, version)
	if err != nil {
		VerifyMismatches.WithLabelValues(v.backend, "check_failed").Inc()
		return nil, fmt.Errorf("failed to read back %s: %w", version, err)
	}

	result.Checked = want.Len()
	result.RankMismatch = stored.Metadata.Rank != want.Rank

	var (
		wg    sync.WaitGroup
		diffs [2]recordDiff
	)
	pairs := [2][2][]storage.FactorRecord{
		{want.Users, stored.Users},
		{want.Products, stored.Products},
	}
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, want, got []storage.FactorRecord) {
			defer wg.Done()
			diffs[i] = diffRecords(version, want, got)
		}(i, p[0], p[1])
	}
	wg.Wait()

	for _, d := range diffs {
		result.Missing += d.missing
		result.Mismatches += d.mismatched
		result.Extra += d.extra
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if result.RankMismatch {
		VerifyMismatches.WithLabelValues(v.backend, "rank").Inc()
	}
	VerifyMismatches.WithLabelValues(v.backend, "missing").Add(float64(result.Missing))
	VerifyMismatches.WithLabelValues(v.backend, "mismatch").Add(float64(result.Mismatches))
	VerifyMismatches.WithLabelValues(v.backend, "extra").Add(float64(result.Extra))

	event := v.logger.Debug()
	if !result.Consistent() {
		event = v.logger.Warn()
	}
	event.
		Str("version", version).
		Int("checked", result.Checked).
		Int("missing", result.Missing).
		Int("mismatches", result.Mismatches).
		Int("extra", result.Extra).
		Bool("rank_mismatch", result.RankMismatch).
		Msg("Verified model version")

	return result, nil
}

type recordDiff struct {
	missing, mismatched, extra int
}

// diffRecords compares records by ID. Stored records tagged with another
// version count as extra.
func diffRecords(version string, want, got []storage.FactorRecord) recordDiff {
	stored := make(map[string][]float64, len(got))
	var d recordDiff
	for _, r := range got {
		if r.ModelID != version {
			d.extra++
			continue
		}
		stored[r.ID] = r.Features
	}

	for _, r := range want {
		features, ok := stored[r.ID]
		if !ok {
			d.missing++
			continue
		}
		delete(stored, r.ID)
		if !slices.Equal(features, r.Features) {
			d.mismatched++
		}
	}
	d.extra += len(stored)
	return d
}
