package domain

import (
	"errors"
	"time"
)

// Tier identifies the physical store a message record is written to.
type Tier string

const (
	TierHot     Tier = "hot"
	TierArchive Tier = "archive"
)

// MessageTypeText is the only provider message type that is persisted.
const MessageTypeText = "text"

var (
	// ErrDuplicateMessage reports that a message id has already been claimed.
	ErrDuplicateMessage = errors.New("domain: duplicate message")
	// ErrCounterConflict reports that a conversation changed between read and claim.
	ErrCounterConflict = errors.New("domain: conversation counter conflict")
	// ErrCorruptConversation reports a stored conversation that cannot be decoded.
	ErrCorruptConversation = errors.New("domain: corrupt conversation record")
	// ErrClaimNotFound reports that no claim marker exists for a message id.
	ErrClaimNotFound = errors.New("domain: claim not found")
)

// MessageEvent is a single inbound provider message after envelope decoding.
type MessageEvent struct {
	ID        string
	Sender    string
	Timestamp int64
	Type      string
	Text      string
}

// MessageRecord is the immutable record persisted in a tier store.
type MessageRecord struct {
	MessageID  string
	Sender     string
	Text       string
	Timestamp  int64
	Tier       Tier
	ReceivedAt time.Time
}
