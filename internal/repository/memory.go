package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"message-ingest/internal/domain"
)

// MemoryStore is an in-process store with the same claim semantics as Client.
// It backs local runs without AWS and is shared by tests across packages.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	claims        map[string]domain.ClaimMarker
	messages      map[string]domain.MessageRecord

	// Fail, when set, is consulted before every operation; a non-nil result
	// is returned as the operation's error.
	Fail func(op string) error
}

func claimKey(sender, messageID string) string {
	return sender + "\x00" + messageID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]domain.Conversation{},
		claims:        map[string]domain.ClaimMarker{},
		messages:      map[string]domain.MessageRecord{},
	}
}

func (m *MemoryStore) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	if err := m.Fail(op); err != nil {
		return fmt.Errorf("repository: memory %s: %w", op, err)
	}
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, sender string) (domain.ConversationState, error) {
	if err := m.fail("GetConversation"); err != nil {
		return domain.ConversationState{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ConversationState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[sender]
	if !ok {
		return domain.NewConversationState(sender), nil
	}
	return domain.ConversationState{Conversation: conv, Found: true}, nil
}

func (m *MemoryStore) ClaimMessage(ctx context.Context, claim domain.Claim) error {
	if err := m.fail("ClaimMessage"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if claim.Sender == "" || claim.MessageID == "" {
		return errors.New("repository: memory ClaimMessage: sender and message id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.claims[claimKey(claim.Sender, claim.MessageID)]; ok {
		return fmt.Errorf("repository: memory ClaimMessage: %w", domain.ErrDuplicateMessage)
	}
	conv, found := m.conversations[claim.Sender]
	if found != claim.Expected.Found || (found && conv.MessageCount != claim.Expected.Conversation.MessageCount) {
		return fmt.Errorf("repository: memory ClaimMessage: %w", domain.ErrCounterConflict)
	}

	conv.Sender = claim.Sender
	conv.MessageCount += claim.Delta.Hot
	conv.ArchivedCount += claim.Delta.Archived
	conv.UnreadCount += claim.Delta.Unread
	conv.LastMessage = claim.LastMessage
	conv.LastTimestamp = claim.LastTimestamp
	conv.UpdatedAt = claim.At
	m.conversations[claim.Sender] = conv
	m.claims[claimKey(claim.Sender, claim.MessageID)] = domain.ClaimMarker{
		Sender:    claim.Sender,
		MessageID: claim.MessageID,
		Tier:      claim.Tier,
		At:        claim.At,
	}
	return nil
}

func (m *MemoryStore) GetClaim(ctx context.Context, sender, messageID string) (domain.ClaimMarker, error) {
	if err := m.fail("GetClaim"); err != nil {
		return domain.ClaimMarker{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ClaimMarker{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.claims[claimKey(sender, messageID)]
	if !ok {
		return domain.ClaimMarker{}, fmt.Errorf("repository: memory GetClaim: %w", domain.ErrClaimNotFound)
	}
	return marker, nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, claim domain.Claim) error {
	if err := m.fail("ReleaseClaim"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.claims[claimKey(claim.Sender, claim.MessageID)]; !ok {
		return errors.New("repository: memory ReleaseClaim: claim not found")
	}
	delete(m.claims, claimKey(claim.Sender, claim.MessageID))
	conv := m.conversations[claim.Sender]
	undo := claim.Delta.Negate()
	conv.MessageCount += undo.Hot
	conv.ArchivedCount += undo.Archived
	conv.UnreadCount += undo.Unread
	m.conversations[claim.Sender] = conv
	return nil
}

func (m *MemoryStore) UpsertMessage(ctx context.Context, rec domain.MessageRecord) error {
	if err := m.fail("UpsertMessage"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.MessageID == "" || rec.Sender == "" {
		return errors.New("repository: memory UpsertMessage: message id and sender are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[rec.MessageID] = rec
	return nil
}

// Conversation returns the stored aggregate for sender.
func (m *MemoryStore) Conversation(sender string) (domain.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[sender]
	return conv, ok
}

// SetConversation seeds an aggregate.
func (m *MemoryStore) SetConversation(conv domain.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.Sender] = conv
}

// Message returns the record stored under messageID.
func (m *MemoryStore) Message(messageID string) (domain.MessageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.messages[messageID]
	return rec, ok
}

// MessageCount returns the number of stored message records.
func (m *MemoryStore) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
