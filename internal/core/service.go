package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

var (
	ErrNotFound = errors.New("not_found")
)

type ScheduleRequest struct {
	AccountID    string
	Receiver     string
	Body         string
	Attachments  []Attachment
	ContactCards []string
	Polls        []Poll
	SendAt       time.Time
	ScheduledBy  ScheduledBy
}

// ScheduleMessage inserts a PENDING message and returns its id. Producers
// only ever touch the queue through this path; everything after that is
// the dispatcher's.
func (s *Store) ScheduleMessage(ctx context.Context, r ScheduleRequest) (string, error) {
	if r.AccountID == "" || r.Receiver == "" {
		return "", fmt.Errorf("invalid schedule request")
	}
	atts, err := json.Marshal(orEmpty(r.Attachments))
	if err != nil {
		return "", err
	}
	cards, err := json.Marshal(orEmptyStr(r.ContactCards))
	if err != nil {
		return "", err
	}
	polls, err := json.Marshal(orEmptyPolls(r.Polls))
	if err != nil {
		return "", err
	}
	var id string
	err = s.DB.QueryRow(ctx, `
		INSERT INTO messages(account_id, receiver, body, attachments, contact_cards, polls, send_at, status, scheduled_kind, scheduled_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,'PENDING',$8,$9)
		RETURNING id
	`, r.AccountID, r.Receiver, r.Body, atts, cards, polls, r.SendAt, r.ScheduledBy.Kind, r.ScheduledBy.ID).Scan(&id)
	return id, err
}

const messageColumns = `id, account_id, receiver, body, attachments, contact_cards, polls, send_at, status, scheduled_kind, scheduled_id, deferrals, created_at, claimed_at, sent_at`

func scanMessage(row pgx.Row) (ScheduledMessage, error) {
	var m ScheduledMessage
	var atts, cards, polls []byte
	err := row.Scan(&m.ID, &m.AccountID, &m.Receiver, &m.Body, &atts, &cards, &polls,
		&m.SendAt, &m.Status, &m.ScheduledBy.Kind, &m.ScheduledBy.ID, &m.Deferrals, &m.CreatedAt, &m.ClaimedAt, &m.SentAt)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(atts, &m.Attachments); err != nil {
		return m, err
	}
	if err := json.Unmarshal(cards, &m.ContactCards); err != nil {
		return m, err
	}
	if err := json.Unmarshal(polls, &m.Polls); err != nil {
		return m, err
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (ScheduledMessage, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// ClaimDueMessages atomically moves every due PENDING message (up to
// limit) to SENDING and returns the claimed rows. The SKIP LOCKED select
// plus the single bulk update is the only concurrency guard in the
// engine; overlapping ticks can never claim the same row twice.
func (s *Store) ClaimDueMessages(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status='PENDING' AND send_at <= $1
		ORDER BY send_at
		LIMIT $2 FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	var claimed []ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, m := range claimed {
		ids[i] = m.ID
	}
	_, err = tx.Exec(ctx, `UPDATE messages SET status='SENDING', claimed_at=$2 WHERE id = ANY($1)`, ids, now)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Status = StatusSending
		at := now
		claimed[i].ClaimedAt = &at
	}
	return claimed, tx.Commit(ctx)
}

// DeferNoSession handles the no-session case: push send_at forward and
// put the message back to PENDING so the next tick retries it. Once the
// deferral count reaches maxDeferrals the message expires terminally
// instead. Returns true when the message expired.
func (s *Store) DeferNoSession(ctx context.Context, id string, until time.Time, maxDeferrals int) (bool, error) {
	var status string
	err := s.DB.QueryRow(ctx, `
		UPDATE messages
		SET deferrals = deferrals + 1,
		    send_at   = $2,
		    status    = CASE WHEN deferrals + 1 >= $3 THEN 'EXPIRED' ELSE 'PENDING' END
		WHERE id=$1 AND status='SENDING'
		RETURNING status
	`, id, until, maxDeferrals).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return status == StatusExpired, err
}

// MarkSentAt records the attempt before any transport call is issued:
// SENT plus send_at refreshed to the actual send time, so a crash
// mid-fan-out reads as attempted rather than still pending. Returns
// false when the row was no longer SENDING; the caller must not fan
// out in that case, the message belongs to someone else now.
func (s *Store) MarkSentAt(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='SENT', send_at=$2, sent_at=$2
		WHERE id=$1 AND status='SENDING'
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed is terminal and idempotent. It is reachable from SENDING
// (entitlement failure) and from SENT (a per-item transport failure
// after the attempt was recorded); last writer wins.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='FAILED'
		WHERE id=$1 AND status IN ('SENDING','SENT')
	`, id)
	return err
}

// RecoverStuckSending reverts messages abandoned in SENDING (a crash
// between claim and finalize) back to PENDING. Staleness is measured
// from the claim, not the schedule: an overdue message claimed moments
// ago by another instance is in flight, not stuck. Run once at startup.
func (s *Store) RecoverStuckSending(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='PENDING'
		WHERE status='SENDING' AND claimed_at <= now() - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RecordItem(ctx context.Context, it ItemOutcome) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_items(message_id, kind, item_index, outcome, error, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6)
	`, it.MessageID, it.Kind, it.Index, it.Outcome, it.Error, it.At)
	return err
}

func (s *Store) ItemOutcomes(ctx context.Context, messageID string) ([]ItemOutcome, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT message_id, kind, item_index, outcome, error, recorded_at
		FROM message_items WHERE message_id=$1 ORDER BY id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemOutcome
	for rows.Next() {
		var it ItemOutcome
		if err := rows.Scan(&it.MessageID, &it.Kind, &it.Index, &it.Outcome, &it.Error, &it.At); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// QueryMessages basic listing for status readback.
func (s *Store) QueryMessages(ctx context.Context, accountID string, status *string, limit, offset int) ([]ScheduledMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE account_id=$1`
	args := []any{accountID}
	idx := 2
	if status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func orEmpty(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}

func orEmptyStr(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}

func orEmptyPolls(a []Poll) []Poll {
	if a == nil {
		return []Poll{}
	}
	return a
}
