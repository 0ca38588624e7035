// Command inspect prints what the configured stores hold: the number of
// ratings and their latest timestamp, and optionally one stored model
// version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/objones25/factorstore/internal/config"
	"github.com/objones25/factorstore/internal/storage"
	"github.com/objones25/factorstore/internal/storage/manager"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// options are the command-line flags.
type options struct {
	Version string
	Timeout time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.Version, "version", "", "model version to describe")
	flag.DurationVar(&opts.Timeout, "timeout", time.Minute, "overall timeout")
	flag.Parse()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Logging.Apply(os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	m, err := manager.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer m.Close()

	if err := run(ctx, os.Stdout, cfg, m, opts); err != nil {
		log.Error().Err(err).Msg("Inspection failed")
		m.Close()
		os.Exit(1)
	}
}

// run writes the report for m to w.
func run(ctx context.Context, w io.Writer, cfg *config.Config, m *manager.Manager, opts options) error {
	section(w, "System Information")
	fmt.Fprintf(w, "OS: %s\n", runtime.GOOS)
	fmt.Fprintf(w, "Architecture: %s\n", runtime.GOARCH)
	fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "Loader Backend: %s\n", cfg.Loader.Backend)
	fmt.Fprintf(w, "Writer Backend: %s\n", cfg.Writer.Backend)

	if err := describeRatings(ctx, w, m.Loader()); err != nil {
		return err
	}
	if opts.Version == "" {
		return nil
	}
	return describeModel(ctx, w, m, opts.Version)
}

func describeRatings(ctx context.Context, w io.Writer, loader storage.DataLoader) error {
	section(w, "Ratings")

	ratings, err := loader.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch ratings: %w", err)
	}
	fmt.Fprintf(w, "Count: %d\n", len(ratings))

	latest, err := loader.LatestTimestamp(ctx)
	switch {
	case storage.IsEmptyStore(err):
		fmt.Fprintln(w, "Latest Timestamp: none (store is empty)")
	case err != nil:
		return fmt.Errorf("failed to read latest timestamp: %w", err)
	default:
		fmt.Fprintf(w, "Latest Timestamp: %s\n", latest.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func describeModel(ctx context.Context, w io.Writer, m *manager.Manager, version string) error {
	section(w, "Model "+version)

	stored, err := m.Read(ctx, version)
	switch {
	case errors.Is(err, manager.ErrNoReader):
		fmt.Fprintln(w, "Model store is write-only; nothing to describe")
		return nil
	case storage.IsVersionNotFound(err):
		fmt.Fprintln(w, "Not found")
		return nil
	case err != nil:
		return fmt.Errorf("failed to read model %s: %w", version, err)
	}

	fmt.Fprintf(w, "Rank: %d\n", stored.Metadata.Rank)
	fmt.Fprintf(w, "Created: %s\n", stored.Metadata.Created.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "User Factors: %d\n", len(stored.Users))
	fmt.Fprintf(w, "Product Factors: %d\n", len(stored.Products))
	return nil
}

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s:\n%s\n", title, strings.Repeat("-", len(title)+1))
}
