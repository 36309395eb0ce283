package worker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/yaf2m/internal/config"
	"github.com/ignite/yaf2m/internal/email"
	"github.com/ignite/yaf2m/internal/pkg/logger"
	"github.com/ignite/yaf2m/internal/store"
)

// A failure report goes out only after the same set of failing groups has
// been observed this many consecutive cycles. Transient outages that clear
// within the window never produce mail.
const failureDebounce = 5

const failureReportSubject = "Error processing feeds"
const failureRecoverySubject = "All feeds are working"

const failureReportBody = `<p>The following feed groups keep failing:</p>
<ul>
{% for f in failures %}
  <li>
    <strong>{{ f.urls | join: ", " }}</strong> ({{ f.count }} consecutive failures)<br>
    {{ f.error }}
  </li>
{% endfor %}
</ul>`

// failureTracker debounces operator failure reports across cycles. State is
// per process; a restart starts a fresh observation window.
type failureTracker struct {
	mu         sync.Mutex
	tpl        *liquid.Template
	lastDigest config.Hash
	countdown  int
	reported   bool
}

func newFailureTracker() *failureTracker {
	tpl, err := liquid.NewEngine().ParseString(failureReportBody)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in failure report template: %v", err))
	}
	// Starting healthy is the steady state, not a change to observe.
	return &failureTracker{tpl: tpl, lastDigest: failureDigest(nil)}
}

// record observes the current failing set and decides whether to mail the
// operator. An unchanged set counts down from the debounce threshold; any
// change, including to or from the empty set, restarts the countdown. The
// empty set decaying sends the recovery variant, so a single healthy cycle
// in the middle of an outage stays silent.
func (t *failureTracker) record(ctx context.Context, cfg *config.Config, failing []store.Failure, sender Sender) {
	if len(cfg.ErrorReportTo) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	digest := failureDigest(failing)
	if digest != t.lastDigest {
		t.lastDigest = digest
		t.countdown = failureDebounce
		logger.Info("failing feed groups changed, debouncing report",
			"groups", fmt.Sprintf("%d", len(failing)),
			"cycles", fmt.Sprintf("%d", failureDebounce))
		return
	}

	switch t.countdown {
	case 0:
		// Already reported this set.
	case 1:
		if len(failing) == 0 {
			if t.reported {
				t.sendRecovery(ctx, cfg, sender)
				t.reported = false
			}
		} else {
			t.sendReport(ctx, cfg, failing, sender)
		}
		t.countdown = 0
	default:
		t.countdown--
	}
}

// failureDigest hashes the sorted failing hashes so the tracker can tell
// "same outage" from "different outage" regardless of query order.
func failureDigest(failing []store.Failure) config.Hash {
	hashes := make([]config.Hash, len(failing))
	for i, f := range failing {
		hashes[i] = f.URLsHash
	}
	sort.Slice(hashes, func(i, j int) bool {
		return string(hashes[i][:]) < string(hashes[j][:])
	})
	h := sha256.New()
	for _, part := range hashes {
		h.Write(part[:])
	}
	var out config.Hash
	h.Sum(out[:0])
	return out
}

func (t *failureTracker) sendReport(ctx context.Context, cfg *config.Config, failing []store.Failure, sender Sender) {
	urlsByHash := make(map[config.Hash][]string, len(cfg.Feeds))
	for _, group := range cfg.Feeds {
		urlsByHash[group.URLsHash] = group.URLs
	}

	rows := make([]map[string]interface{}, 0, len(failing))
	for _, f := range failing {
		urls := urlsByHash[f.URLsHash]
		if len(urls) == 0 {
			// Group left the config since it failed; hex hash is all we have.
			urls = []string{f.URLsHash.String()}
		}
		rows = append(rows, map[string]interface{}{
			"urls":  urls,
			"count": f.FailCount,
			"error": f.Error,
		})
	}

	body, err := t.tpl.RenderString(map[string]interface{}{"failures": rows})
	if err != nil {
		logger.Error("failed to render failure report", "error", err.Error())
		return
	}

	mail := email.Mail{Subject: failureReportSubject, Body: body}
	if err := sender.Send(ctx, cfg.ErrorReportTo, nil, nil, []email.Mail{mail}); err != nil {
		logger.Error("failed to send failure report", "error", err.Error())
		return
	}
	t.reported = true
	logger.Info("failure report sent", "groups", fmt.Sprintf("%d", len(failing)))
}

func (t *failureTracker) sendRecovery(ctx context.Context, cfg *config.Config, sender Sender) {
	body := fmt.Sprintf("<p>All feeds are back to normal now (%s).</p>",
		time.Now().UTC().Format(time.RFC3339))
	mail := email.Mail{Subject: failureRecoverySubject, Body: body}
	if err := sender.Send(ctx, cfg.ErrorReportTo, nil, nil, []email.Mail{mail}); err != nil {
		logger.Error("failed to send recovery report", "error", err.Error())
		return
	}
	logger.Info("recovery report sent")
}
