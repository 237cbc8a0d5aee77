package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/store"
)

const (
	defaultQuietPeriod  = 30 * time.Second
	defaultPollInterval = 10 * time.Second

	// batchSize caps how many events one cycle drains. A storm larger than
	// this is picked up by the following polls.
	batchSize = 100
)

// Inbox is the durable queue the deduplicator drains.
type Inbox interface {
	UnprocessedEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*store.WebhookEvent, error)
	MarkEventsProcessed(ctx context.Context, ids []uuid.UUID, coalescedInto *uuid.UUID) error
}

// Publisher emits coalesced decisions onto the event bus.
type Publisher interface {
	Publish(eventType bus.EventType, payload map[string]any) bool
}

// Deduplicator turns bursts of raw webhook events into single canonical
// scheduler events. Events rest in the inbox for a quiet period so that
// rapid-fire tracker activity (open, label, close within seconds) is seen
// as one sequence instead of racing through the pipeline event by event.
type Deduplicator struct {
	inbox     Inbox
	publisher Publisher
	quiet     time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDeduplicator creates a deduplicator over the given inbox.
func NewDeduplicator(inbox Inbox, publisher Publisher, quietPeriod, pollInterval time.Duration) *Deduplicator {
	if quietPeriod <= 0 {
		quietPeriod = defaultQuietPeriod
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Deduplicator{
		inbox:     inbox,
		publisher: publisher,
		quiet:     quietPeriod,
		interval:  pollInterval,
		logger:    logging.WithComponent("webhook.dedup"),
	}
}

// Start begins the polling loop. The first drain runs immediately so
// events that went quiet during a restart are handled on resume.
func (d *Deduplicator) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("deduplicator started", "quiet_period", d.quiet, "poll_interval", d.interval)
}

// Stop halts the polling loop and waits for it to exit.
func (d *Deduplicator) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
}

func (d *Deduplicator) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dedup cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains one batch of events that have been quiet long enough.
// Exported for the standalone cycle command and tests; the loop calls it
// on every tick.
func (d *Deduplicator) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.quiet)
	events, err := d.inbox.UnprocessedEventsBefore(ctx, cutoff, batchSize)
	if err != nil {
		return fmt.Errorf("fetch unprocessed webhook events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, group := range groupByIssue(events) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.processGroup(ctx, group); err != nil {
			d.logger.Error("failed to process webhook group",
				"repo", group[0].Repo,
				"issue_id", group[0].IssueID,
				"error", err)
		}
	}
	return nil
}

func (d *Deduplicator) processGroup(ctx context.Context, group []*store.WebhookEvent) error {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].ReceivedAt.Before(group[j].ReceivedAt)
	})
	primary := group[0]

	decision := Analyze(group)
	metrics.WebhookDecisions.WithLabelValues(string(decision.Kind)).Inc()
	d.logger.Info("webhook burst coalesced",
		"repo", primary.Repo,
		"issue_id", primary.IssueID,
		"events", len(group),
		"decision", decision.Kind,
		"reason", decision.Reason)

	if decision.Kind != DecisionDrop {
		if !publishDecision(d.publisher, primary, len(group), decision) {
			// The inbox is the durable backstop for a full bus: leave the
			// group unprocessed and retry on the next poll.
			d.logger.Warn("event bus full, webhook group deferred",
				"repo", primary.Repo,
				"issue_id", primary.IssueID)
			return nil
		}
	}

	ids := make([]uuid.UUID, len(group))
	for i, e := range group {
		ids[i] = e.ID
	}
	var coalescedInto *uuid.UUID
	if len(group) > 1 {
		coalescedInto = &primary.ID
	}
	if err := d.inbox.MarkEventsProcessed(ctx, ids, coalescedInto); err != nil {
		return fmt.Errorf("mark group processed: %w", err)
	}
	return nil
}

// publishDecision emits the bus event for a non-drop decision. It returns
// false when the bus rejected the event.
func publishDecision(p Publisher, primary *store.WebhookEvent, coalesced int, d Decision) bool {
	payload := map[string]any{
		"repo":              primary.Repo,
		"issue_id":          primary.IssueID,
		"coalesced_events":  coalesced,
		"processing_reason": d.Reason,
	}
	switch d.Kind {
	case DecisionIssueCreated:
		payload["title"] = d.Title
		payload["body"] = d.Body
		payload["labels"] = d.Labels
		payload["html_url"] = d.HTMLURL
		return p.Publish(bus.IssueCreated, payload)
	case DecisionIssueUpdated:
		payload["action"] = "labeled"
		payload["labels"] = d.Labels
		payload["state"] = d.State
		return p.Publish(bus.IssueUpdated, payload)
	case DecisionNudgeRequested:
		payload["source"] = "comment"
		payload["comment_body"] = d.CommentBody
		return p.Publish(bus.NudgeRequested, payload)
	}
	return true
}

// groupByIssue partitions a batch by (repo, issue id), preserving the
// order in which each group first appeared.
func groupByIssue(events []*store.WebhookEvent) [][]*store.WebhookEvent {
	index := make(map[string]int)
	var groups [][]*store.WebhookEvent
	for _, e := range events {
		key := e.Repo + "#" + e.IssueID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
