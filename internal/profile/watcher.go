package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second

	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollFetchError
	pollInvalid
)

// DocumentSource is what the Watcher needs from a Loader.
type DocumentSource interface {
	Fetch(ctx context.Context) ([]byte, error)
	Build(raw []byte) (*Profile, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncProfilePolls()
	IncProfileSwaps()
	IncProfileError(kind string)
	SetProfileLastSuccess(unixSeconds float64)
	SetProfileStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Source       DocumentSource
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap runs on the poll goroutine after each swap. A panic in it is
	// logged and does not stop the watcher.
	OnSwap func(p *Profile)

	Metrics WatcherMetrics

	// StaleThreshold is how long fetches may keep failing before the
	// watcher reports the profile as stale. Defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls the profile source and swaps changed profiles into the Manager.
// An invalid document never replaces a working profile.
type Watcher struct {
	source   DocumentSource
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(p *Profile)
	metrics  WatcherMetrics

	currentHash string
	// the last rejected hash, so a bad document is logged once, not every poll
	rejectedHash string

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	stale          bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	current := ""
	if p, ok := opts.Manager.Get(); ok && p.Source != SourceFlags {
		current = p.Hash
	}
	return &Watcher{
		source:         opts.Source,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    current,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled. Start it with go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "profile watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "profile watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			res := w.checkOnce(ctx)
			if next, changed := w.afterPoll(ctx, res, time.Now()); changed {
				ticker.Reset(next)
			}
		}
	}
}

// afterPoll updates backoff and staleness state. It returns the next poll
// delay and whether the ticker needs resetting.
func (w *Watcher) afterPoll(ctx context.Context, res pollResult, now time.Time) (time.Duration, bool) {
	if res != pollFetchError {
		if w.stale {
			w.logger.Info(ctx, "profile watcher: staleness recovered")
			w.setStale(false)
		}
		if w.consecutiveErrs > 0 {
			w.logger.Info(ctx, "profile watcher: recovered, resuming normal interval",
				"had_consecutive_errors", w.consecutiveErrs,
			)
			w.consecutiveErrs = 0
			return w.interval, true
		}
		return w.interval, false
	}

	w.consecutiveErrs++
	if since := now.Sub(w.lastSuccessAt); since > w.staleThreshold && !w.stale {
		w.logger.Error(ctx, fmt.Errorf("last successful profile fetch was %s ago", since.Truncate(time.Second)),
			"profile watcher: profile is stale, keeping the last good one",
		)
		w.setStale(true)
	}
	d := w.backoffDuration()
	w.logger.Warn(ctx, "profile watcher: backing off",
		"consecutive_errors", w.consecutiveErrs,
		"next_poll_in", d.String(),
	)
	return d, true
}

func (w *Watcher) setStale(stale bool) {
	w.stale = stale
	if w.metrics != nil {
		w.metrics.SetProfileStale(stale)
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncProfilePolls()
	}

	raw, err := w.source.Fetch(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "profile watcher: fetch failed")
		if w.metrics != nil {
			w.metrics.IncProfileError("fetch")
		}
		return pollFetchError
	}
	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetProfileLastSuccess(float64(now.Unix()))
	}

	hash := HashDocument(raw)
	if hash == w.currentHash {
		return pollNoChange
	}
	if hash == w.rejectedHash {
		return pollInvalid
	}

	p, err := w.source.Build(raw)
	if err != nil {
		w.rejectedHash = hash
		w.logger.Error(ctx, err, "profile watcher: new profile is invalid, keeping current one",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncProfileError("invalid")
		}
		return pollInvalid
	}

	old := w.currentHash
	w.manager.Set(p)
	w.currentHash = hash
	w.rejectedHash = ""
	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncProfileSwaps()
	}
	w.logger.Info(ctx, "profile watcher: profile swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"profile", p.String(),
		"total_swaps", w.swapCount,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"profile watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(p)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
