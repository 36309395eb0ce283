// Package worker runs the poll-and-dispatch loop: claim each configured
// feed group against the ledger, fetch and filter its feeds, and mail
// whatever is new. Several agent processes may run against one database;
// the per-group claim in the store keeps them from double-mailing.
package worker

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/email"
	"github.com/ignite/yaf2m/internal/feed"
	"github.com/ignite/yaf2m/internal/pkg/logger"
	"github.com/ignite/yaf2m/internal/render"
	"github.com/ignite/yaf2m/internal/store"
)

// One pass over all groups per minute; the per-group interval is enforced
// by the claim, not by this cadence.
const cycleInterval = time.Minute

// Sender delivers rendered mail. Satisfied by *email.Sender.
type Sender interface {
	Send(ctx context.Context, to, cc, bcc []mail.Address, mails []email.Mail) error
}

// fetchFunc downloads and parses one feed URL. Swapped out in tests.
type fetchFunc func(ctx context.Context, url string, settings *config.Settings) (*feed.Feed, error)

// Worker owns the dispatch loop for one process.
type Worker struct {
	store         *store.Store
	sender        Sender
	configPath    string
	maxConcurrent int

	fetchFeed fetchFunc
	tracker   *failureTracker

	cfg      *config.Config
	cfgMtime time.Time

	checksTotal int64
	mailsSent   int64
	checkErrors int64
	cyclesTotal int64

	mu            sync.Mutex
	lastCycleTime time.Time
}

// New builds a Worker. maxConcurrent bounds how many groups are checked in
// parallel within one cycle.
func New(st *store.Store, sender Sender, configPath string, maxConcurrent int) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Worker{
		store:         st,
		sender:        sender,
		configPath:    configPath,
		maxConcurrent: maxConcurrent,
		fetchFeed:     feed.NewFetcher().Fetch,
		tracker:       newFailureTracker(),
	}
}

// Run loops until the context is canceled. The first configuration load must
// succeed; later reload failures keep the previous configuration running.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.reloadConfig(); err != nil {
			if w.cfg == nil {
				return err
			}
			logger.Error("config reload failed, keeping previous configuration",
				"path", w.configPath, "error", err.Error())
		}

		w.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cycleInterval):
		}
	}
}

// reloadConfig re-parses the file only when its mtime changed.
func (w *Worker) reloadConfig() error {
	info, err := os.Stat(w.configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if w.cfg != nil && info.ModTime().Equal(w.cfgMtime) {
		return nil
	}

	cfg, err := config.Load(w.configPath)
	if err != nil {
		return err
	}
	w.cfg = cfg
	w.cfgMtime = info.ModTime()
	logger.Info("configuration loaded",
		"path", w.configPath, "feeds", fmt.Sprintf("%d", len(cfg.Feeds)))
	return nil
}

func (w *Worker) runCycle(ctx context.Context) {
	cfg := w.cfg
	start := time.Now().UTC()

	sem := make(chan struct{}, w.maxConcurrent)
	var wg sync.WaitGroup
	for _, group := range cfg.Feeds {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(group *config.FeedGroup) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&w.checkErrors, 1)
					logger.Error("panic while checking feed group",
						"urls_hash", group.URLsHash.String(),
						"panic", fmt.Sprintf("%v", r),
						"stack", string(debug.Stack()))
				}
			}()
			w.checkGroup(ctx, group)
		}(group)
	}
	wg.Wait()

	w.reportFailures(ctx, cfg)
	w.collectGarbage(ctx, cfg)

	atomic.AddInt64(&w.cyclesTotal, 1)
	w.mu.Lock()
	w.lastCycleTime = start
	w.mu.Unlock()
}

// checkGroup runs one group check and classifies the outcome. A group that
// errors because a concurrent process claimed it first is not a failure.
func (w *Worker) checkGroup(ctx context.Context, group *config.FeedGroup) {
	atomic.AddInt64(&w.checksTotal, 1)
	now := time.Now().UTC()

	sent, err := w.processGroup(ctx, group, now)
	if err == nil {
		atomic.AddInt64(&w.mailsSent, int64(sent))
		return
	}

	staleBefore := now.Add(-group.Settings.Interval)
	if waiting, werr := w.store.IsGroupWaiting(ctx, group.URLsHash, staleBefore); werr == nil && waiting {
		logger.Debug("feed group claimed elsewhere",
			"urls_hash", group.URLsHash.String(), "error", err.Error())
		return
	}

	atomic.AddInt64(&w.checkErrors, 1)
	logger.Error("feed group check failed",
		"urls_hash", group.URLsHash.String(), "error", err.Error())
	if rerr := w.store.RecordFailure(ctx, group.URLsHash, err.Error(), now); rerr != nil {
		logger.Error("failed to record failure",
			"urls_hash", group.URLsHash.String(), "error", rerr.Error())
	}
}

// processGroup performs one check inside a transaction and returns how many
// mails went out. Returning without committing rolls everything back, so a
// failed send never marks items as seen.
func (w *Worker) processGroup(ctx context.Context, group *config.FeedGroup, now time.Time) (int, error) {
	settings := &group.Settings

	if err := w.store.TouchLastSeen(ctx, group.URLsHash, now); err != nil {
		return 0, err
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin check transaction: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-settings.Interval)
	status, err := w.store.ClaimGroup(ctx, tx, group.URLsHash, group.CriteriaHash, now, staleBefore)
	if err != nil {
		return 0, err
	}
	if status == store.StatusWait {
		return 0, nil
	}

	renderer, err := render.New(group)
	if err != nil {
		return 0, err
	}

	feeds, err := w.fetchAll(ctx, group)
	if err != nil {
		return 0, err
	}

	if status == store.StatusNewCriteria {
		if err := w.store.ResetItems(ctx, tx, group.URLsHash); err != nil {
			return 0, err
		}
		logger.Info("feed group criteria changed, item ledger reset",
			"urls_hash", group.URLsHash.String())
	}

	fresh, err := w.collectNewItems(ctx, tx, group, renderer, feeds, now)
	if err != nil {
		return 0, err
	}
	if settings.SortByLastModified {
		sortByLastModified(fresh)
	}

	sent := 0
	if len(fresh) > 0 {
		if !settings.HasRecipients() {
			logger.Warn("new items but no recipients configured",
				"urls_hash", group.URLsHash.String(),
				"items", fmt.Sprintf("%d", len(fresh)))
		} else {
			mails, err := buildMails(renderer, status, settings, feeds, fresh)
			if err != nil {
				return 0, err
			}
			if err := w.sender.Send(ctx, settings.To, settings.Cc, settings.Bcc, mails); err != nil {
				return 0, err
			}
			sent = len(mails)
			if err := w.store.SetLastUpdate(ctx, tx, group.URLsHash, now); err != nil {
				return 0, err
			}
		}
	}

	if err := w.store.ClearFailure(ctx, tx, group.URLsHash); err != nil {
		return 0, err
	}

	cutoff := store.Cutoff(now, settings.KeepOld)
	if err := w.store.DeleteOldItems(ctx, tx, group.URLsHash, cutoff); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit check transaction: %w", err)
	}
	return sent, nil
}

// fetchAll downloads the group's feeds last-to-first, then restores config
// order. When several URLs share one endpoint, the first configured feed is
// fetched last and is therefore the freshest at render time.
func (w *Worker) fetchAll(ctx context.Context, group *config.FeedGroup) ([]*feed.Feed, error) {
	n := len(group.URLs)
	feeds := make([]*feed.Feed, n)
	for i := n - 1; i >= 0; i-- {
		f, err := w.fetchFeed(ctx, group.URLs[i], &group.Settings)
		if err != nil {
			return nil, err
		}
		feeds[i] = f
	}
	return feeds, nil
}

// newItem pairs an item with the feed it came from for rendering.
type newItem struct {
	feed *feed.Feed
	item *feed.Item
}

func (w *Worker) collectNewItems(ctx context.Context, tx store.DBTX, group *config.FeedGroup, renderer *render.Renderer, feeds []*feed.Feed, now time.Time) ([]newItem, error) {
	var fresh []newItem
	for _, f := range feeds {
		for _, item := range f.Items {
			ok, err := renderer.Match(f, item)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			updateHash, err := renderer.UpdateHash(f, item)
			if err != nil {
				return nil, err
			}
			inserted, err := w.store.UpsertItem(ctx, tx, group.URLsHash, updateHash, now)
			if err != nil {
				return nil, err
			}
			if inserted {
				fresh = append(fresh, newItem{feed: f, item: item})
			}
		}
	}
	return fresh, nil
}

// sortByLastModified orders newest first. Items without a timestamp sink to
// the end; the sort is stable so feed order breaks ties.
func sortByLastModified(items []newItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].item.LastModified(), items[j].item.LastModified()
		if tj == nil {
			return ti != nil
		}
		if ti == nil {
			return false
		}
		return ti.After(*tj)
	})
}

// useDigest decides between one digest mail and per-item mails. First sight
// of a group (or of new criteria) always digests, since the whole backlog
// counts as new.
func useDigest(status store.Status, digest bool, count, maxPerCheck int) bool {
	return status == store.StatusNew ||
		status == store.StatusNewCriteria ||
		digest ||
		count > maxPerCheck
}

func buildMails(renderer *render.Renderer, status store.Status, settings *config.Settings, feeds []*feed.Feed, fresh []newItem) ([]email.Mail, error) {
	if !useDigest(status, settings.Digest, len(fresh), settings.MaxMailsPerCheck) {
		mails := make([]email.Mail, 0, len(fresh))
		for _, ni := range fresh {
			subject, body, err := renderer.RenderItem(ni.feed, ni.item)
			if err != nil {
				return nil, err
			}
			mails = append(mails, email.Mail{Subject: subject, Body: body})
		}
		return mails, nil
	}

	items := make([]*feed.Item, len(fresh))
	for i, ni := range fresh {
		items[i] = ni.item
	}
	subject, body, err := renderer.RenderDigest(feeds, items)
	if err != nil {
		return nil, err
	}
	switch status {
	case store.StatusNew:
		subject = "[New Feed] " + subject
	case store.StatusNewCriteria:
		subject = "[New Criteria] " + subject
	}
	return []email.Mail{{Subject: subject, Body: body}}, nil
}

func (w *Worker) reportFailures(ctx context.Context, cfg *config.Config) {
	failing, err := w.store.FailingGroups(ctx)
	if err != nil {
		logger.Error("failed to query failing groups", "error", err.Error())
		return
	}
	w.tracker.record(ctx, cfg, failing, w.sender)
}

func (w *Worker) collectGarbage(ctx context.Context, cfg *config.Config) {
	now := time.Now().UTC()
	cutoff := store.Cutoff(now, cfg.Global.KeepOld)

	live := make([]config.Hash, len(cfg.Feeds))
	for i, group := range cfg.Feeds {
		live[i] = group.URLsHash
	}
	if n, err := w.store.DeleteOldGroups(ctx, cutoff, live); err != nil {
		logger.Error("failed to delete old feed groups", "error", err.Error())
	} else if n > 0 {
		logger.Info("deleted unconfigured feed groups", "count", fmt.Sprintf("%d", n))
	}
	if err := w.store.DeleteOldFailures(ctx, cutoff); err != nil {
		logger.Error("failed to delete old failures", "error", err.Error())
	}
}

// Stats returns loop counters for the status endpoint.
func (w *Worker) Stats() map[string]interface{} {
	w.mu.Lock()
	lastCycle := w.lastCycleTime
	w.mu.Unlock()

	stats := map[string]interface{}{
		"cycles_total":   atomic.LoadInt64(&w.cyclesTotal),
		"checks_total":   atomic.LoadInt64(&w.checksTotal),
		"check_errors":   atomic.LoadInt64(&w.checkErrors),
		"mails_sent":     atomic.LoadInt64(&w.mailsSent),
		"max_concurrent": w.maxConcurrent,
	}
	if !lastCycle.IsZero() {
		stats["last_cycle"] = lastCycle.Format(time.RFC3339)
	}
	return stats
}
