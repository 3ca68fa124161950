package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/kbotbus"
	"github.com/kynetic/kbot/internal/kbotlog"
)

// UsageUpdate is a parsed `/usage` reading for one agent session.
type UsageUpdate struct {
	Model      string
	Current    int
	Max        int
	Percentage float64
	Categories map[string]int
}

// PromptClient is the minimal surface ContextUsageTracker needs from an
// agent session to issue the opaque `/usage` probe.
type PromptClient interface {
	Prompt(ctx context.Context, sessionID, text string) error
}

// StderrProvider yields one stderr line at a time for a session; Subscribe
// returns a channel of lines and an unsubscribe func.
type StderrProvider interface {
	Subscribe(sessionID string) (lines <-chan string, unsubscribe func())
}

// UsageTrackerConfig tunes the probe.
type UsageTrackerConfig struct {
	Timeout          time.Duration
	DebounceInterval time.Duration
}

// DefaultUsageTrackerConfig matches spec.md §4.4's defaults.
func DefaultUsageTrackerConfig() UsageTrackerConfig {
	return UsageTrackerConfig{Timeout: 10 * time.Second, DebounceInterval: 30 * time.Second}
}

var usageBlockRe = regexp.MustCompile(`(?s)<local-command-stdout>(.*?)</local-command-stdout>`)
var usageModelRe = regexp.MustCompile(`(?i)model[: ]+(\S+)`)
var usageTotalsRe = regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s*\(([\d.]+)%\)`)
var usageCategoryRe = regexp.MustCompile(`(?m)^\s*-?\s*([A-Za-z][A-Za-z ]*?):\s*(\d+)\s*$`)

type cacheEntry struct {
	update    *UsageUpdate
	checkedAt time.Time
}

// UsageTracker observes agent context consumption out of the main message
// path: issues a debounced, timeout-bounded `/usage` probe and falls back
// to the last-known value on any failure rather than blocking the caller
// (spec.md §4.4, AC-7).
type UsageTracker struct {
	cfg    UsageTrackerConfig
	bus    kbotbus.Bus
	logger *kbotlog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewUsageTracker constructs a UsageTracker. bus may be nil to disable
// event publishing.
func NewUsageTracker(cfg UsageTrackerConfig, bus kbotbus.Bus, log *kbotlog.Logger) *UsageTracker {
	if log == nil {
		log = kbotlog.Default()
	}
	return &UsageTracker{
		cfg:    cfg,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "usage-tracker")),
		cache:  make(map[string]*cacheEntry),
	}
}

// CheckUsage returns the current context usage for sessionID, probing the
// agent if the cached value is stale (older than DebounceInterval), and
// always returning successfully: any probe failure logs, emits a
// usage:error/usage:timeout event, and returns the last-known value
// (possibly nil) instead of an error (spec.md §4.4, AC-7).
func (t *UsageTracker) CheckUsage(ctx context.Context, sessionID string, client PromptClient, stderr StderrProvider) *UsageUpdate {
	t.mu.Lock()
	entry, ok := t.cache[sessionID]
	if ok && time.Since(entry.checkedAt) < t.cfg.DebounceInterval {
		cached := entry.update
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	update, err := t.probe(ctx, sessionID, client, stderr)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		kind := kbotbus.KindUsageError
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			kind = kbotbus.KindUsageTimeout
		}
		t.logger.Warn("usage probe failed, returning last-known value",
			zap.String("session_id", sessionID), zap.Error(err))
		t.publish(ctx, kind, sessionID, nil)

		if entry != nil {
			return entry.update
		}
		return nil
	}

	t.cache[sessionID] = &cacheEntry{update: update, checkedAt: time.Now()}
	t.publish(ctx, kbotbus.KindUsageUpdate, sessionID, kbotbus.UsageUpdatePayload{
		Model: update.Model, Current: update.Current, Max: update.Max, Percentage: update.Percentage,
	})
	return update
}

func (t *UsageTracker) probe(ctx context.Context, sessionID string, client PromptClient, stderr StderrProvider) (*UsageUpdate, error) {
	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	lines, unsubscribe := stderr.Subscribe(sessionID)
	defer unsubscribe()

	if err := client.Prompt(probeCtx, sessionID, "/usage"); err != nil {
		return nil, fmt.Errorf("issue /usage probe: %w", err)
	}

	var buf strings.Builder
	for {
		select {
		case <-probeCtx.Done():
			return nil, probeCtx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil, fmt.Errorf("stderr stream closed before usage block completed")
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if update, ok := parseUsageBlock(buf.String()); ok {
				return update, nil
			}
		}
	}
}

// parseUsageBlock extracts a UsageUpdate from a markdown-ish stderr block
// delimited by <local-command-stdout>...</local-command-stdout> (spec.md
// §4.4).
func parseUsageBlock(text string) (*UsageUpdate, bool) {
	m := usageBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	block := m[1]

	totals := usageTotalsRe.FindStringSubmatch(block)
	if totals == nil {
		return nil, false
	}
	current, _ := strconv.Atoi(totals[1])
	max, _ := strconv.Atoi(totals[2])
	pct, _ := strconv.ParseFloat(totals[3], 64)

	model := ""
	if mm := usageModelRe.FindStringSubmatch(block); mm != nil {
		model = mm[1]
	}

	categories := make(map[string]int)
	for _, cm := range usageCategoryRe.FindAllStringSubmatch(block, -1) {
		name := strings.TrimSpace(cm[1])
		n, _ := strconv.Atoi(cm[2])
		categories[name] = n
	}

	return &UsageUpdate{
		Model:      model,
		Current:    current,
		Max:        max,
		Percentage: pct / 100.0,
		Categories: categories,
	}, true
}

func (t *UsageTracker) publish(ctx context.Context, kind kbotbus.Kind, sessionID string, payload any) {
	if t.bus == nil {
		return
	}
	evt := kbotbus.NewEvent(kind, "", sessionID, payload)
	if err := t.bus.Publish(ctx, kind, evt); err != nil {
		t.logger.Warn("failed to publish usage event", zap.String("kind", kind.String()), zap.Error(err))
	}
}
