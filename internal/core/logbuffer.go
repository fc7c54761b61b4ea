package core

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// InsertLogRecords appends records to the buffer. Records are immutable
// once written; the flusher's delete is the only removal path.
func (s *Store) InsertLogRecords(ctx context.Context, recs []LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO log_records(sink_id, ts, sender, receiver, saved_name, display_name, group_name, message, is_caption, link, is_forwarded, is_broadcast)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, r.SinkID, r.Timestamp, r.From, r.To, r.SavedName, r.DisplayName, r.GroupName,
			r.Message, r.IsCaption, r.Link, r.IsForwarded, r.IsBroadcast)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for range recs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// BufferedRecords returns every buffered record in insertion order.
// Grouping by sink is the flusher's job; the store only guarantees the
// stable order within the scan.
func (s *Store) BufferedRecords(ctx context.Context) ([]LogRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, sink_id, ts, sender, receiver, saved_name, display_name, group_name, message, is_caption, link, is_forwarded, is_broadcast, batch_token
		FROM log_records ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.ID, &r.SinkID, &r.Timestamp, &r.From, &r.To, &r.SavedName,
			&r.DisplayName, &r.GroupName, &r.Message, &r.IsCaption, &r.Link,
			&r.IsForwarded, &r.IsBroadcast, &r.BatchToken); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetBatchToken stamps an idempotency token on records entering a flush
// attempt. Already-stamped records keep their token so a retried batch
// presents the same token to the sink.
func (s *Store) SetBatchToken(ctx context.Context, ids []int64, token string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE log_records SET batch_token=$2
		WHERE id = ANY($1) AND batch_token IS NULL
	`, ids, token)
	return err
}

// DeleteLogRecords removes exactly the given records; called only after
// their batch append succeeded.
func (s *Store) DeleteLogRecords(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.DB.Exec(ctx, `DELETE FROM log_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
