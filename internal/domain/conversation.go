package domain

import "time"

// Conversation stores aggregate state for one sender.
type Conversation struct {
	Sender        string
	MessageCount  int
	ArchivedCount int
	UnreadCount   int
	LastMessage   string
	LastTimestamp int64
	UpdatedAt     time.Time
}

// ConversationState is the result of a conversation lookup. Found is false only
// when no record exists for the sender; a record that cannot be decoded is an
// error, never an absent conversation.
type ConversationState struct {
	Conversation Conversation
	Found        bool
}

// NewConversationState returns the initial state for a sender that has never
// been seen.
func NewConversationState(sender string) ConversationState {
	return ConversationState{Conversation: Conversation{Sender: sender}}
}

// CounterDelta is the set of increments applied to a conversation for one message.
type CounterDelta struct {
	Hot      int
	Archived int
	Unread   int
}

// Negate returns the delta that reverses d.
func (d CounterDelta) Negate() CounterDelta {
	return CounterDelta{Hot: -d.Hot, Archived: -d.Archived, Unread: -d.Unread}
}

// DeltaFor returns the counter increments for one message routed to tier.
func DeltaFor(tier Tier) CounterDelta {
	if tier == TierArchive {
		return CounterDelta{Archived: 1, Unread: 1}
	}
	return CounterDelta{Hot: 1, Unread: 1}
}

// Claim reserves a message id against a conversation and applies its counter
// increments, conditional on the conversation being unchanged since it was read.
type Claim struct {
	Sender        string
	MessageID     string
	Tier          Tier
	Expected      ConversationState
	Delta         CounterDelta
	LastMessage   string
	LastTimestamp int64
	At            time.Time
}

// ClaimMarker is the stored reservation of a message id and the tier its
// record was routed to.
type ClaimMarker struct {
	Sender    string
	MessageID string
	Tier      Tier
	At        time.Time
}
