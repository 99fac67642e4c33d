package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"papertrader/pkg/types"
)

// CreatePosition derives qty from the request's sizeMode, writes the
// position with status=OPEN together with its OPEN fill and the
// POSITION_CREATED event, all in one transaction. sl and tp are absolute
// prices (percent conversion happens in the broker before this call).
func (s *Store) CreatePosition(ctx context.Context, req types.CreateRequest, entryPrice, openFee float64, sl, tp *float64) (*types.Position, error) {
	qty := req.SizeValue
	if req.SizeMode == types.SizeUSDT {
		qty = req.SizeValue / entryPrice
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create position: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions
			(symbol, side, qty, entry_price, entry_time, leverage, sl, tp,
			 status, fees_open, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?, ?)`,
		req.Symbol, req.Side, qty, entryPrice, now, req.Leverage,
		nullFloat(sl), nullFloat(tp), openFee, req.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("create position: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create position: last id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fills (position_id, type, price, qty, fee, ts)
		VALUES (?, 'OPEN', ?, ?, ?, ?)`,
		id, entryPrice, qty, openFee, now,
	); err != nil {
		return nil, fmt.Errorf("create position: open fill: %w", err)
	}

	payload := eventPayload(map[string]any{
		"symbol":     req.Symbol,
		"side":       req.Side,
		"qty":        qty,
		"entryPrice": entryPrice,
		"leverage":   req.Leverage,
	})
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (position_id, event, payload, ts)
		VALUES (?, ?, ?, ?)`,
		id, types.EventPositionCreated, payload, now,
	); err != nil {
		return nil, fmt.Errorf("create position: event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create position: commit: %w", err)
	}
	return s.GetPosition(ctx, id)
}

const positionColumns = `
	id, symbol, side, qty, entry_price, entry_time, leverage, sl, tp,
	status, fees_open, close_price, close_time, fees_close, realized_pnl,
	funding_pnl, notes`

// GetPosition returns one position or ErrNotFound.
func (s *Store) GetPosition(ctx context.Context, id int64) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	return p, nil
}

// ListPositions returns positions ordered by entry time descending.
// An empty status lists everything; otherwise it exact-matches.
func (s *Store) ListPositions(ctx context.Context, status types.Status) ([]*types.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY entry_time DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ListOpenBySymbol returns the OPEN positions for one symbol in id
// ascending order, the evaluation order of the trigger engine.
func (s *Store) ListOpenBySymbol(ctx context.Context, symbol string) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+positionColumns+` FROM positions
		 WHERE status = 'OPEN' AND symbol = ? ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open by symbol: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// CountOpenBySymbol reports how many OPEN positions remain on a symbol.
func (s *Store) CountOpenBySymbol(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = 'OPEN' AND symbol = ?`,
		symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open by symbol: %w", err)
	}
	return n, nil
}

// OpenSymbols returns the distinct symbols across OPEN positions. Used on
// startup to rebuild the feed subscription set.
func (s *Store) OpenSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM positions WHERE status = 'OPEN' ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("open symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// SLTPUpdate carries a partial SL/TP edit. SetSL/SetTP distinguish "leave
// unchanged" from "set to nil" (clear the level).
type SLTPUpdate struct {
	SL    *float64
	SetSL bool
	TP    *float64
	SetTP bool
}

// UpdateSLTP updates only the provided fields on an OPEN position and
// records one SL_UPDATED or TP_UPDATED event, naming the first-updated
// field when both change. Fails with ErrPositionClosed on CLOSED rows.
func (s *Store) UpdateSLTP(ctx context.Context, id int64, upd SLTPUpdate) (*types.Position, error) {
	if !upd.SetSL && !upd.SetTP {
		return s.GetPosition(ctx, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update sltp: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status types.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update sltp: %w", err)
	}
	if status != types.StatusOpen {
		return nil, ErrPositionClosed
	}

	if upd.SetSL {
		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET sl = ? WHERE id = ?`, nullFloat(upd.SL), id); err != nil {
			return nil, fmt.Errorf("update sl: %w", err)
		}
	}
	if upd.SetTP {
		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET tp = ? WHERE id = ?`, nullFloat(upd.TP), id); err != nil {
			return nil, fmt.Errorf("update tp: %w", err)
		}
	}

	event := types.EventTPUpdated
	payload := eventPayload(map[string]any{"tp": ptrValue(upd.TP)})
	if upd.SetSL {
		event = types.EventSLUpdated
		payload = eventPayload(map[string]any{"sl": ptrValue(upd.SL)})
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (position_id, event, payload, ts)
		VALUES (?, ?, ?, ?)`,
		id, event, payload, time.Now().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("update sltp: event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update sltp: commit: %w", err)
	}
	return s.GetPosition(ctx, id)
}

// ClosePosition is the guarded, at-most-once closure write. The UPDATE is
// conditional on status='OPEN'; when it commits no row (a concurrent
// closure won the race) the call returns (nil, nil) and writes nothing.
// On success the CLOSE fill and the given event are appended in the same
// transaction and the fully closed row is returned.
func (s *Store) ClosePosition(ctx context.Context, id int64, closePrice, closeFee float64, event types.EventType) (*types.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("close position: begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		side       types.Side
		qty        float64
		entryPrice float64
		feesOpen   float64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT side, qty, entry_price, fees_open FROM positions WHERE id = ?`,
		id).Scan(&side, &qty, &entryPrice, &feesOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	grossPnl := (closePrice - entryPrice) * qty
	if side == types.Short {
		grossPnl = (entryPrice - closePrice) * qty
	}
	const fundingPnl = 0.0 // accrual not implemented
	realizedPnl := grossPnl - feesOpen - closeFee - fundingPnl
	now := time.Now().UnixMilli()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			status = 'CLOSED', close_price = ?, close_time = ?,
			fees_close = ?, realized_pnl = ?, funding_pnl = ?
		WHERE id = ? AND status = 'OPEN'`,
		closePrice, now, closeFee, realizedPnl, fundingPnl, id,
	)
	if err != nil {
		return nil, fmt.Errorf("close position: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("close position: rows affected: %w", err)
	}
	if affected == 0 {
		// Already CLOSED: a no-op, not an error.
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fills (position_id, type, price, qty, fee, ts)
		VALUES (?, 'CLOSE', ?, ?, ?, ?)`,
		id, closePrice, qty, closeFee, now,
	); err != nil {
		return nil, fmt.Errorf("close position: close fill: %w", err)
	}

	payload := eventPayload(map[string]any{
		"closePrice":  closePrice,
		"realizedPnl": realizedPnl,
		"feesClose":   closeFee,
	})
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (position_id, event, payload, ts)
		VALUES (?, ?, ?, ?)`,
		id, event, payload, now,
	); err != nil {
		return nil, fmt.Errorf("close position: event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("close position: commit: %w", err)
	}
	return s.GetPosition(ctx, id)
}

// DeletePosition removes a position unconditionally; fills and events go
// with it via the foreign-key cascade. Returns false when the id is unknown.
func (s *Store) DeletePosition(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete position: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete position: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListEvents returns audit events, newest first, optionally filtered by
// position. limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, positionID *int64, limit int) ([]*types.Event, error) {
	query := `SELECT id, position_id, event, payload, ts FROM events`
	args := []any{}
	if positionID != nil {
		query += ` WHERE position_id = ?`
		args = append(args, *positionID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var e types.Event
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Event, &e.Payload, &e.Ts); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListFills returns the fills of one position, oldest first.
func (s *Store) ListFills(ctx context.Context, positionID int64) ([]*types.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, position_id, type, price, qty, fee, ts
		 FROM fills WHERE position_id = ? ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var out []*types.Fill
	for rows.Next() {
		var f types.Fill
		if err := rows.Scan(&f.ID, &f.PositionID, &f.Type, &f.Price, &f.Qty, &f.Fee, &f.Ts); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ExportPositions returns positions whose entry time falls in [start, end]
// (ms epoch; nil bounds are open), optionally filtered by symbol, ordered
// by entry time ascending for the CSV export.
func (s *Store) ExportPositions(ctx context.Context, start, end *int64, symbol string) ([]*types.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE 1=1`
	args := []any{}
	if start != nil {
		query += ` AND entry_time >= ?`
		args = append(args, *start)
	}
	if end != nil {
		query += ` AND entry_time <= ?`
		args = append(args, *end)
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY entry_time ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var (
		p           types.Position
		sl, tp      sql.NullFloat64
		closePrice  sql.NullFloat64
		closeTime   sql.NullInt64
		feesClose   sql.NullFloat64
		realizedPnl sql.NullFloat64
		fundingPnl  sql.NullFloat64
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.EntryTime,
		&p.Leverage, &sl, &tp, &p.Status, &p.FeesOpen,
		&closePrice, &closeTime, &feesClose, &realizedPnl, &fundingPnl, &p.Notes,
	)
	if err != nil {
		return nil, err
	}
	p.SL = fromNullFloat(sl)
	p.TP = fromNullFloat(tp)
	p.ClosePrice = fromNullFloat(closePrice)
	p.FeesClose = fromNullFloat(feesClose)
	p.RealizedPnl = fromNullFloat(realizedPnl)
	p.FundingPnl = fromNullFloat(fundingPnl)
	if closeTime.Valid {
		v := closeTime.Int64
		p.CloseTime = &v
	}
	return &p, nil
}

func collectPositions(rows *sql.Rows) ([]*types.Position, error) {
	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func ptrValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func eventPayload(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(b)
}
