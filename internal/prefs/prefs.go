package prefs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Prefs are the per-account policy flags the engine consults: whether
// outgoing sends get starred, and which sink buffered records belong to.
type Prefs struct {
	AccountID     string `json:"account_id"`
	StarOutgoing  bool   `json:"star_outgoing"`
	SinkID        string `json:"sink_id"`
	LoggerEnabled bool   `json:"logger_enabled"`
}

// Service supplies per-account preferences. Accounts with no stored row
// get zero-value defaults; that is not an error.
type Service interface {
	Get(ctx context.Context, accountID string) (Prefs, error)
	Set(ctx context.Context, p Prefs) error
}

type PGService struct{ DB *pgxpool.Pool }

func NewPGService(db *pgxpool.Pool) *PGService { return &PGService{DB: db} }

func (s *PGService) Get(ctx context.Context, accountID string) (Prefs, error) {
	p := Prefs{AccountID: accountID}
	err := s.DB.QueryRow(ctx, `
		SELECT star_outgoing, sink_id, logger_enabled
		FROM account_prefs WHERE account_id=$1
	`, accountID).Scan(&p.StarOutgoing, &p.SinkID, &p.LoggerEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	return p, err
}

func (s *PGService) Set(ctx context.Context, p Prefs) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO account_prefs(account_id, star_outgoing, sink_id, logger_enabled, updated_at)
		VALUES($1,$2,$3,$4,now())
		ON CONFLICT (account_id) DO UPDATE
		SET star_outgoing=EXCLUDED.star_outgoing,
		    sink_id=EXCLUDED.sink_id,
		    logger_enabled=EXCLUDED.logger_enabled,
		    updated_at=now()
	`, p.AccountID, p.StarOutgoing, p.SinkID, p.LoggerEnabled)
	return err
}
