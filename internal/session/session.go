package session

import (
	"context"
)

// Media is a transport-ready attachment payload.
type Media struct {
	Filename string
	MIME     string
	Data     []byte
}

// Poll mirrors the transport's poll definition.
type Poll struct {
	Title         string
	Options       []string
	IsMultiSelect bool
}

// Entitlement is the account's standing on the transport side.
type Entitlement struct {
	Subscribed bool
	New        bool
}

// Session is one live, authenticated transport channel for one account.
// The engine never manages its lifecycle; it only sends through it.
// Each send returns an opaque ref usable for the deferred star action.
type Session interface {
	Ready() bool
	Entitlement() Entitlement
	SendText(ctx context.Context, to, body string) (ref string, err error)
	SendMedia(ctx context.Context, to string, media Media, caption string) (ref string, err error)
	SendContactCard(ctx context.Context, to, vcard string) (ref string, err error)
	SendPoll(ctx context.Context, to string, poll Poll) (ref string, err error)
	Star(ctx context.Context, ref string) error
}

// Pool resolves the live session for an account, if any. Read-only from
// the engine's perspective; passed as an explicit dependency, never held
// as package state.
type Pool interface {
	Resolve(accountID string) (Session, bool)
}
