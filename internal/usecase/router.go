package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"message-ingest/internal/domain"
	"message-ingest/internal/metrics"
)

const defaultRouterConcurrency = 4

// Ingester is the ledger operation the router dispatches to.
type Ingester interface {
	Ingest(ctx context.Context, ev domain.MessageEvent) (domain.Tier, error)
}

// changeValue is the value of a "messages" change. Messages are kept raw so
// each one is decoded on its own.
type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []contact         `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type errSkip struct{ reason string }

func (e errSkip) Error() string { return "skip: " + e.reason }

// Router decodes a change value into message events and hands supported ones
// to the ledger. It never returns an error: per-message failures are logged
// and counted.
type Router struct {
	ledger      Ingester
	concurrency int
	opts        options
}

func NewRouter(ledger Ingester, concurrency int, opts ...Option) (*Router, error) {
	if ledger == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if concurrency <= 0 {
		concurrency = defaultRouterConcurrency
	}
	return &Router{ledger: ledger, concurrency: concurrency, opts: buildOptions(opts)}, nil
}

// Route processes one change value. Messages from the same sender are
// ingested sequentially in payload order; different senders run concurrently.
// Cancellation of ctx is not propagated to the ledger, so writes already
// started complete even if the transport gives up on the request.
func (r *Router) Route(ctx context.Context, raw json.RawMessage) {
	ctx = context.WithoutCancel(ctx)
	logger := r.opts.logger.With("correlation_id", CorrelationID(ctx))

	var value changeValue
	if err := json.Unmarshal(raw, &value); err != nil {
		r.opts.metrics.Failure(metrics.StageDecode)
		logger.Error("failed to decode change value", "err", err)
		return
	}
	if n := len(value.Statuses); n > 0 {
		r.opts.metrics.Statuses(n)
		logger.Debug("ignoring status updates", "count", n)
	}

	contactID := ""
	if len(value.Contacts) > 0 {
		contactID = strings.TrimSpace(value.Contacts[0].WaID)
	}

	var order []string
	bySender := map[string][]domain.MessageEvent{}
	for i, rawMsg := range value.Messages {
		ev, err := decodeMessage(rawMsg, contactID)
		var skip errSkip
		switch {
		case errors.As(err, &skip):
			r.opts.metrics.Skipped(skip.reason)
			logger.Info("message acknowledged without persistence", "index", i, "message_id", ev.ID, "type", ev.Type, "reason", skip.reason)
			continue
		case err != nil:
			r.opts.metrics.Failure(metrics.StageDecode)
			logger.Error("failed to decode message", "index", i, "err", err)
			continue
		}
		if _, seen := bySender[ev.Sender]; !seen {
			order = append(order, ev.Sender)
		}
		bySender[ev.Sender] = append(bySender[ev.Sender], ev)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, sender := range order {
		events := bySender[sender]
		g.Go(func() error {
			for _, ev := range events {
				r.ingest(ctx, logger, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) ingest(ctx context.Context, logger *slog.Logger, ev domain.MessageEvent) {
	logger = logger.With("sender", ev.Sender, "message_id", ev.ID)
	defer func() {
		if p := recover(); p != nil {
			r.opts.metrics.Failure(metrics.StageLedger)
			logger.Error("panic while ingesting message", "panic", fmt.Sprint(p))
		}
	}()

	tier, err := r.ledger.Ingest(ctx, ev)
	switch {
	case errors.Is(err, domain.ErrDuplicateMessage):
		r.opts.metrics.Skipped(metrics.SkipDuplicate)
		logger.Info("duplicate delivery ignored")
	case err != nil:
		r.opts.metrics.Failure(metrics.StageLedger)
		logger.Error("failed to ingest message", "code", CodeOf(err), "err", err)
	default:
		r.opts.metrics.Ingested(string(tier))
		logger.Info("message ingested", "tier", tier)
	}
}

// decodeMessage turns one raw provider message into an event. The sender is
// the change's first contact when present, else the message's own from field.
func decodeMessage(raw json.RawMessage, contactID string) (domain.MessageEvent, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.MessageEvent{}, fmt.Errorf("usecase: decode message: %w", err)
	}
	ev := domain.MessageEvent{
		ID:   strings.TrimSpace(msg.ID),
		Type: strings.TrimSpace(msg.Type),
	}
	if ev.Type != domain.MessageTypeText {
		return ev, errSkip{reason: metrics.SkipUnsupportedType}
	}
	if msg.Text == nil || strings.TrimSpace(msg.Text.Body) == "" {
		return ev, errSkip{reason: metrics.SkipEmptyBody}
	}
	if ev.ID == "" {
		return ev, errors.New("usecase: decode message: id is required")
	}

	ev.Sender = contactID
	if ev.Sender == "" {
		ev.Sender = strings.TrimSpace(msg.From)
	}
	if ev.Sender == "" {
		return ev, errors.New("usecase: decode message: sender is required")
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(msg.Timestamp), 10, 64)
	if err != nil || ts < 0 {
		return ev, fmt.Errorf("usecase: decode message: invalid timestamp %q", msg.Timestamp)
	}
	ev.Timestamp = ts
	ev.Text = msg.Text.Body
	return ev, nil
}
