package core

import (
	"time"
)

// Message lifecycle. PENDING -> SENDING -> {SENT, FAILED}. EXPIRED is
// reached only when the no-session deferral count crosses its ceiling.
// The single backward edge is SENDING -> PENDING on a no-session deferral.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
)

// Provenance of a scheduled message; audit/cleanup only, never consulted
// by dispatch logic.
const (
	OriginScheduler = "scheduler"
	OriginCampaign  = "campaign"
	OriginBot       = "bot"
	OriginAPI       = "api"
)

type Attachment struct {
	FileID  string `json:"file_id"`
	Name    string `json:"name,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type Poll struct {
	Title         string   `json:"title"`
	Options       []string `json:"options"`
	IsMultiSelect bool     `json:"is_multi_select"`
}

type ScheduledBy struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type ScheduledMessage struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	Receiver     string       `json:"receiver"`
	Body         string       `json:"body,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ContactCards []string     `json:"contact_cards,omitempty"`
	Polls        []Poll       `json:"polls,omitempty"`
	SendAt       time.Time    `json:"send_at"`
	Status       string       `json:"status"`
	ScheduledBy  ScheduledBy  `json:"scheduled_by"`
	Deferrals    int          `json:"deferrals"`
	CreatedAt    time.Time    `json:"created_at"`
	ClaimedAt    *time.Time   `json:"claimed_at,omitempty"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}

// Payload item kinds tracked per delivery outcome.
const (
	ItemText        = "text"
	ItemContactCard = "contact_card"
	ItemAttachment  = "attachment"
	ItemPoll        = "poll"
	ItemPromo       = "promo"
)

const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// ItemOutcome is one payload item's delivery result. Message status is
// the worst-case aggregate over primary kinds; promo outcomes are
// recorded but never affect the message.
type ItemOutcome struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Index     int       `json:"index"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// LogRecord is a flat snapshot of one observed activity event, buffered
// until the flusher writes it to its sink. Never updated after insert
// except for the batch token assignment.
type LogRecord struct {
	ID          int64   `json:"id"`
	SinkID      string  `json:"sink_id"`
	Timestamp   string  `json:"timestamp"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	SavedName   string  `json:"saved_name"`
	DisplayName string  `json:"display_name"`
	GroupName   string  `json:"group_name"`
	Message     string  `json:"message"`
	IsCaption   string  `json:"is_caption"` // "Yes" | "No"
	Link        string  `json:"link"`
	IsForwarded bool    `json:"is_forwarded"`
	IsBroadcast bool    `json:"is_broadcast"`
	BatchToken  *string `json:"batch_token,omitempty"`
}

// Row renders the record in the sink's column-positional layout.
func (r LogRecord) Row() []string {
	forwarded := ""
	if r.IsForwarded {
		forwarded = "Forwarded"
	}
	broadcast := ""
	if r.IsBroadcast {
		broadcast = "Broadcast"
	}
	return []string{
		r.Timestamp, r.From, r.To, r.SavedName, r.DisplayName, r.GroupName,
		r.Message, r.IsCaption, r.Link, forwarded, broadcast,
	}
}
