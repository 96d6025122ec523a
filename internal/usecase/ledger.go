package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"message-ingest/internal/domain"
	"message-ingest/internal/metrics"
)

const (
	DefaultHotTierThreshold = 100
	maxClaimAttempts        = 8
)

// ConversationStore holds conversation aggregates and per-message claims.
type ConversationStore interface {
	GetConversation(ctx context.Context, sender string) (domain.ConversationState, error)
	ClaimMessage(ctx context.Context, claim domain.Claim) error
	GetClaim(ctx context.Context, sender, messageID string) (domain.ClaimMarker, error)
	ReleaseClaim(ctx context.Context, claim domain.Claim) error
}

// MessageStore persists message records for one tier.
type MessageStore interface {
	UpsertMessage(ctx context.Context, rec domain.MessageRecord) error
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Ledger decides which tier each message belongs to and keeps the per-sender
// counters in step with what has been persisted.
type Ledger struct {
	conversations ConversationStore
	tiers         map[domain.Tier]MessageStore
	threshold     int
	opts          options
}

func NewLedger(conversations ConversationStore, hot, archive MessageStore, threshold int, opts ...Option) (*Ledger, error) {
	if conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if hot == nil {
		return nil, errors.New("usecase: hot tier store must not be nil")
	}
	if archive == nil {
		return nil, errors.New("usecase: archive tier store must not be nil")
	}
	if threshold <= 0 {
		threshold = DefaultHotTierThreshold
	}
	return &Ledger{
		conversations: conversations,
		tiers: map[domain.Tier]MessageStore{
			domain.TierHot:     hot,
			domain.TierArchive: archive,
		},
		threshold: threshold,
		opts:      buildOptions(opts),
	}, nil
}

// TierFor returns the tier the next message of a conversation in state goes to.
func (l *Ledger) TierFor(state domain.ConversationState) domain.Tier {
	if state.Conversation.MessageCount < l.threshold {
		return domain.TierHot
	}
	return domain.TierArchive
}

// Ingest routes one message to its tier. The tier decision and the counter
// increment are applied as a single conditional claim on the conversation;
// a concurrent change to the conversation forces a re-read. A redelivered
// message id returns domain.ErrDuplicateMessage and leaves the counters
// unchanged; its record is first rewritten into the tier named by the claim, so
// a claim whose tier write never completed is finished by the redelivery.
//
// If the tier write fails the claim is released, so the counters never
// include a message that was not persisted. There is no fallback to the other
// tier.
func (l *Ledger) Ingest(ctx context.Context, ev domain.MessageEvent) (domain.Tier, error) {
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Sender) == "" {
		return "", newError(ErrorPerMessage, "missing_message_identity", nil)
	}
	logger := l.opts.logger.With("sender", ev.Sender, "message_id", ev.ID)

	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		state, err := l.conversations.GetConversation(ctx, ev.Sender)
		if err != nil {
			if errors.Is(err, domain.ErrCorruptConversation) {
				return "", newError(ErrorPerMessage, "corrupt_conversation", err)
			}
			return "", newError(ErrorStoreUnavailable, "conversation_read_error", err)
		}

		tier := l.TierFor(state)
		claim := domain.Claim{
			Sender:        ev.Sender,
			MessageID:     ev.ID,
			Tier:          tier,
			Expected:      state,
			Delta:         domain.DeltaFor(tier),
			LastMessage:   ev.Text,
			LastTimestamp: ev.Timestamp,
			At:            l.opts.now().UTC(),
		}

		err = l.conversations.ClaimMessage(ctx, claim)
		switch {
		case errors.Is(err, domain.ErrDuplicateMessage):
			marker, getErr := l.conversations.GetClaim(ctx, ev.Sender, ev.ID)
			if errors.Is(getErr, domain.ErrClaimNotFound) {
				// released since the claim attempt
				continue
			}
			if getErr != nil {
				return "", newError(ErrorStoreUnavailable, "claim_read_error", getErr)
			}
			if restoreErr := l.restoreRecord(ctx, ev, marker); restoreErr != nil {
				return "", restoreErr
			}
			return "", err
		case errors.Is(err, domain.ErrCounterConflict):
			l.opts.metrics.ClaimConflict()
			logger.Debug("conversation changed during claim, retrying", "attempt", attempt)
			continue
		case err != nil:
			return "", newError(ErrorStoreUnavailable, "claim_error", err)
		}

		rec := domain.MessageRecord{
			MessageID:  ev.ID,
			Sender:     ev.Sender,
			Text:       ev.Text,
			Timestamp:  ev.Timestamp,
			Tier:       tier,
			ReceivedAt: claim.At,
		}
		if err := l.tiers[tier].UpsertMessage(ctx, rec); err != nil {
			if relErr := l.conversations.ReleaseClaim(ctx, claim); relErr != nil {
				logger.Error("failed to release claim after tier write failure", "tier", tier, "err", relErr)
				err = errors.Join(err, relErr)
			}
			return "", newError(ErrorStoreUnavailable, fmt.Sprintf("%s_write_error", tier), err)
		}
		return tier, nil
	}
	return "", newError(ErrorPerMessage, "claim_contention", ErrClaimContention)
}

// restoreRecord writes the record of an already claimed message into the
// claimed tier. Tier writes are idempotent upserts keyed by message id.
func (l *Ledger) restoreRecord(ctx context.Context, ev domain.MessageEvent, marker domain.ClaimMarker) error {
	store, ok := l.tiers[marker.Tier]
	if !ok {
		return newError(ErrorPerMessage, "unknown_claim_tier", fmt.Errorf("usecase: claim tier %q", marker.Tier))
	}
	receivedAt := marker.At
	if receivedAt.IsZero() {
		receivedAt = l.opts.now().UTC()
	}
	err := store.UpsertMessage(ctx, domain.MessageRecord{
		MessageID:  ev.ID,
		Sender:     ev.Sender,
		Text:       ev.Text,
		Timestamp:  ev.Timestamp,
		Tier:       marker.Tier,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return newError(ErrorStoreUnavailable, fmt.Sprintf("%s_restore_error", marker.Tier), err)
	}
	return nil
}
