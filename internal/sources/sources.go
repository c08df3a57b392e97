// Package sources bulk-loads YouTube videos into the notebook as sources.
package sources

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const watchURLPrefix = "https://www.youtube.com/watch?v="

// Adder is the notebook operation the loader drives.
type Adder interface {
	AddURL(ctx context.Context, url string) (string, error)
}

// Result counts the outcome of a run.
type Result struct {
	Added  int
	Failed int
}

// ReadVideoIDs returns the trimmed, non-blank lines of path.
func ReadVideoIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ids := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func VideoURL(id string) string {
	return watchURLPrefix + id
}

type Loader struct {
	adder   Adder
	limit   int
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewLoader adds at most limit videos, one per interval.
func NewLoader(adder Adder, limit int, interval time.Duration, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	return &Loader{
		adder:   adder,
		limit:   limit,
		limiter: rate.NewLimiter(every, 1),
		log:     logger,
	}
}

// Run adds each video in order. A failed add is logged and skipped; only
// context cancellation stops the run early.
func (l *Loader) Run(ctx context.Context, ids []string) (Result, error) {
	if l.limit > 0 && len(ids) > l.limit {
		l.log.Info("capping video list", slog.Int("videos", len(ids)), slog.Int("limit", l.limit))
		ids = ids[:l.limit]
	}

	var result Result
	for _, id := range ids {
		if err := l.limiter.Wait(ctx); err != nil {
			return result, err
		}
		url := VideoURL(id)
		reply, err := l.adder.AddURL(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			l.log.Warn("add failed", slog.String("url", url), slog.Any("error", err))
			continue
		}
		result.Added++
		l.log.Info("added", slog.String("url", url), slog.String("reply", truncate(reply, 100)))
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
