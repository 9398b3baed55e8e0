package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/OldEphraim/strategy-vault/vault"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// NUMERIC(20,0) columns carry the full uint64 range and travel as decimal text.
func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric %q: %w", s, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const strategyColumns = `address, trader, name, description, performance_fee_bps, total_subscribers,
       total_volume_traded::text, total_fees_earned::text, is_active, created_at, bump`

func scanStrategy(row scanner) (*vault.Strategy, error) {
	var (
		st             vault.Strategy
		addr, trader   []byte
		fee            int32
		subs           int64
		volume, earned string
		bump           int16
	)
	if err := row.Scan(&addr, &trader, &st.Name, &st.Description, &fee, &subs,
		&volume, &earned, &st.IsActive, &st.CreatedAt, &bump); err != nil {
		return nil, err
	}
	var err error
	if st.TotalVolumeTraded, err = parseU64(volume); err != nil {
		return nil, err
	}
	if st.TotalFeesEarned, err = parseU64(earned); err != nil {
		return nil, err
	}
	st.Address = common.BytesToAddress(addr)
	st.Trader = common.BytesToAddress(trader)
	st.PerformanceFeeBps = uint16(fee)
	st.TotalSubscribers = uint32(subs)
	st.CreatedAt = st.CreatedAt.UTC()
	st.Bump = uint8(bump)
	return &st, nil
}

const positionColumns = `address, subscriber, strategy, initial_balance::text, current_balance::text,
       total_fees_paid::text, last_fee_settlement, subscribed_at, is_active, bump`

func scanPosition(row scanner) (*vault.Position, error) {
	var (
		pos                    vault.Position
		addr, sub, strat       []byte
		initial, current, fees string
		bump                   int16
	)
	if err := row.Scan(&addr, &sub, &strat, &initial, &current, &fees,
		&pos.LastFeeSettlement, &pos.SubscribedAt, &pos.IsActive, &bump); err != nil {
		return nil, err
	}
	var err error
	if pos.InitialBalance, err = parseU64(initial); err != nil {
		return nil, err
	}
	if pos.CurrentBalance, err = parseU64(current); err != nil {
		return nil, err
	}
	if pos.TotalFeesPaid, err = parseU64(fees); err != nil {
		return nil, err
	}
	pos.Address = common.BytesToAddress(addr)
	pos.Subscriber = common.BytesToAddress(sub)
	pos.Strategy = common.BytesToAddress(strat)
	pos.LastFeeSettlement = pos.LastFeeSettlement.UTC()
	pos.SubscribedAt = pos.SubscribedAt.UTC()
	pos.Bump = uint8(bump)
	return &pos, nil
}

func (q *Queries) GetStrategy(ctx context.Context, addr vault.Address) (*vault.Strategy, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM vault_strategies WHERE address = $1`, addr.Bytes())
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrStrategyNotFound
	}
	return st, err
}

func (q *Queries) GetStrategyForUpdate(ctx context.Context, addr vault.Address) (*vault.Strategy, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM vault_strategies WHERE address = $1 FOR UPDATE`, addr.Bytes())
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrStrategyNotFound
	}
	return st, err
}

func (q *Queries) ListStrategies(ctx context.Context, activeOnly bool) ([]vault.Strategy, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+strategyColumns+`
FROM vault_strategies
WHERE NOT $1 OR is_active
ORDER BY created_at, address`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []vault.Strategy{}
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (q *Queries) InsertStrategy(ctx context.Context, st *vault.Strategy) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO vault_strategies (address, trader, name, description, performance_fee_bps, total_subscribers,
                              total_volume_traded, total_fees_earned, is_active, created_at, bump)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		st.Address.Bytes(), st.Trader.Bytes(), st.Name, st.Description, int32(st.PerformanceFeeBps),
		int64(st.TotalSubscribers), u64(st.TotalVolumeTraded), u64(st.TotalFeesEarned),
		st.IsActive, st.CreatedAt, int16(st.Bump))
	if isUniqueViolation(err) {
		return vault.ErrStrategyExists
	}
	return err
}

func (q *Queries) UpdateStrategy(ctx context.Context, st *vault.Strategy) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE vault_strategies
SET name = $2, description = $3, total_subscribers = $4, total_volume_traded = $5,
    total_fees_earned = $6, is_active = $7
WHERE address = $1`,
		st.Address.Bytes(), st.Name, st.Description, int64(st.TotalSubscribers),
		u64(st.TotalVolumeTraded), u64(st.TotalFeesEarned), st.IsActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrStrategyNotFound
	}
	return nil
}

func (q *Queries) GetPosition(ctx context.Context, addr vault.Address) (*vault.Position, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM vault_positions WHERE address = $1`, addr.Bytes())
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrPositionNotFound
	}
	return pos, err
}

func (q *Queries) GetPositionForUpdate(ctx context.Context, addr vault.Address) (*vault.Position, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM vault_positions WHERE address = $1 FOR UPDATE`, addr.Bytes())
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrPositionNotFound
	}
	return pos, err
}

// nullAddr maps the zero address to SQL NULL.
func nullAddr(a vault.Address) interface{} {
	if a == (vault.Address{}) {
		return nil
	}
	return a.Bytes()
}

func (q *Queries) ListPositions(ctx context.Context, f vault.PositionFilter) ([]vault.Position, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+positionColumns+`
FROM vault_positions
WHERE ($1::bytea IS NULL OR subscriber = $1)
  AND ($2::bytea IS NULL OR strategy = $2)
  AND (NOT $3 OR is_active)
ORDER BY subscribed_at, address`, nullAddr(f.Subscriber), nullAddr(f.Strategy), f.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []vault.Position{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func (q *Queries) InsertPosition(ctx context.Context, pos *vault.Position) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO vault_positions (address, subscriber, strategy, initial_balance, current_balance, total_fees_paid,
                             last_fee_settlement, subscribed_at, is_active, bump)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pos.Address.Bytes(), pos.Subscriber.Bytes(), pos.Strategy.Bytes(),
		u64(pos.InitialBalance), u64(pos.CurrentBalance), u64(pos.TotalFeesPaid),
		pos.LastFeeSettlement, pos.SubscribedAt, pos.IsActive, int16(pos.Bump))
	if isUniqueViolation(err) {
		return vault.ErrPositionExists
	}
	return err
}

func (q *Queries) UpdatePosition(ctx context.Context, pos *vault.Position) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE vault_positions
SET initial_balance = $2, current_balance = $3, total_fees_paid = $4,
    last_fee_settlement = $5, is_active = $6
WHERE address = $1`,
		pos.Address.Bytes(), u64(pos.InitialBalance), u64(pos.CurrentBalance),
		u64(pos.TotalFeesPaid), pos.LastFeeSettlement, pos.IsActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrPositionNotFound
	}
	return nil
}

func (q *Queries) GetBalance(ctx context.Context, addr vault.Address) (uint64, error) {
	var s string
	err := q.db.QueryRowContext(ctx, `SELECT balance::text FROM vault_accounts WHERE address = $1`, addr.Bytes()).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseU64(s)
}

// LockBalance creates the account row if needed and locks it for the rest of
// the transaction.
func (q *Queries) LockBalance(ctx context.Context, addr vault.Address) (uint64, error) {
	if _, err := q.db.ExecContext(ctx, `
INSERT INTO vault_accounts (address, balance) VALUES ($1, 0)
ON CONFLICT (address) DO NOTHING`, addr.Bytes()); err != nil {
		return 0, err
	}
	var s string
	if err := q.db.QueryRowContext(ctx, `SELECT balance::text FROM vault_accounts WHERE address = $1 FOR UPDATE`, addr.Bytes()).Scan(&s); err != nil {
		return 0, err
	}
	return parseU64(s)
}

func (q *Queries) SetBalance(ctx context.Context, addr vault.Address, balance uint64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE vault_accounts SET balance = $2 WHERE address = $1`, addr.Bytes(), u64(balance))
	return err
}

func (q *Queries) InsertEvent(ctx context.Context, e *vault.Event) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx, `
INSERT INTO vault_events (type, strategy, account, ts, data)
VALUES ($1, $2, $3, $4, $5)
RETURNING seq`,
		string(e.Type), e.Strategy.Bytes(), e.Account.Bytes(), e.Timestamp,
		pqtype.NullRawMessage{RawMessage: e.Data, Valid: len(e.Data) > 0}).Scan(&seq)
	return seq, err
}

func scanEvents(rows *sql.Rows) ([]vault.Event, error) {
	defer rows.Close()
	out := []vault.Event{}
	for rows.Next() {
		var (
			e           vault.Event
			typ         string
			strat, acct []byte
			data        pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.Seq, &typ, &strat, &acct, &e.Timestamp, &data); err != nil {
			return nil, err
		}
		e.Type = vault.EventType(typ)
		e.Strategy = common.BytesToAddress(strat)
		e.Account = common.BytesToAddress(acct)
		e.Timestamp = e.Timestamp.UTC()
		if data.Valid {
			e.Data = data.RawMessage
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]vault.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT seq, type, strategy, account, ts, data
FROM vault_events
WHERE seq > $1
ORDER BY seq
LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// DumpEventsHour returns journal rows with start <= ts < end.
func (q *Queries) DumpEventsHour(ctx context.Context, start, end time.Time) ([]vault.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT seq, type, strategy, account, ts, data
FROM vault_events
WHERE ts >= $1 AND ts < $2
ORDER BY seq`, start, end)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
