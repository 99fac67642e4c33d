// Package store is the sole durable state boundary. It persists positions,
// fills, events, and settings in an embedded SQLite database (pure Go
// driver, no CGo) with WAL enabled and foreign-key cascade from positions
// to their fills and events.
//
// The connection pool is pinned to a single connection: SQLite is
// single-writer, and the serialized write path is what makes the guarded
// ClosePosition the linearization point for trigger closures.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"papertrader/pkg/types"
)

var (
	// ErrNotFound is returned when a position id does not exist.
	ErrNotFound = errors.New("position not found")
	// ErrPositionClosed is returned when a mutation requires an OPEN position.
	ErrPositionClosed = errors.New("position already closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT    NOT NULL,
    side        TEXT    NOT NULL,
    qty         REAL    NOT NULL,
    entry_price REAL    NOT NULL,
    entry_time  INTEGER NOT NULL,
    leverage    INTEGER NOT NULL DEFAULT 1,
    sl          REAL,
    tp          REAL,
    status      TEXT    NOT NULL DEFAULT 'OPEN',
    fees_open   REAL    NOT NULL DEFAULT 0,
    close_price REAL,
    close_time  INTEGER,
    fees_close  REAL,
    realized_pnl REAL
);

CREATE TABLE IF NOT EXISTS fills (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id INTEGER NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
    type        TEXT    NOT NULL,
    price       REAL    NOT NULL,
    qty         REAL    NOT NULL,
    fee         REAL    NOT NULL DEFAULT 0,
    ts          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id INTEGER NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
    event       TEXT    NOT NULL,
    payload     TEXT    NOT NULL DEFAULT '{}',
    ts          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    taker_fee          REAL    NOT NULL,
    maker_fee          REAL    NOT NULL,
    enable_funding     INTEGER NOT NULL DEFAULT 0,
    base_balance       REAL    NOT NULL,
    default_sl_percent REAL    NOT NULL DEFAULT 0,
    default_tp_percent REAL    NOT NULL DEFAULT 0,
    number_format      TEXT    NOT NULL DEFAULT '',
    timezone           TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_positions_status_symbol ON positions(status, symbol);
CREATE INDEX IF NOT EXISTS idx_positions_entry         ON positions(entry_time DESC);
CREATE INDEX IF NOT EXISTS idx_fills_position          ON fills(position_id);
CREATE INDEX IF NOT EXISTS idx_events_position         ON events(position_id);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the schema and
// additive migrations, and seeds the settings row with defaults if it is
// missing.
func Open(path string, defaults types.Settings) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedSettings(defaults); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies additive column migrations. Each is a no-op when the
// column already exists, so old databases pick up new columns with their
// defaults and old rows stay untouched.
func (s *Store) migrate() error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"positions", "funding_pnl", `ALTER TABLE positions ADD COLUMN funding_pnl REAL`},
		{"positions", "notes", `ALTER TABLE positions ADD COLUMN notes TEXT NOT NULL DEFAULT ''`},
	}
	for _, m := range migrations {
		ok, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) seedSettings(defaults types.Settings) error {
	_, err := s.db.Exec(`
		INSERT INTO settings
			(id, taker_fee, maker_fee, enable_funding, base_balance,
			 default_sl_percent, default_tp_percent, number_format, timezone)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		defaults.TakerFee, defaults.MakerFee, boolToInt(defaults.EnableFunding),
		defaults.BaseBalance, defaults.DefaultStopLossPercent,
		defaults.DefaultTakeProfitPercent, defaults.NumberFormat, defaults.Timezone,
	)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSettings returns the single settings row.
func (s *Store) GetSettings(ctx context.Context) (*types.Settings, error) {
	var (
		out        types.Settings
		enableFund int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT taker_fee, maker_fee, enable_funding, base_balance,
		       default_sl_percent, default_tp_percent, number_format, timezone
		FROM settings WHERE id = 1`,
	).Scan(&out.TakerFee, &out.MakerFee, &enableFund, &out.BaseBalance,
		&out.DefaultStopLossPercent, &out.DefaultTakeProfitPercent,
		&out.NumberFormat, &out.Timezone)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	out.EnableFunding = enableFund == 1
	return &out, nil
}

// SettingsPatch carries the fields of a partial settings update. Nil
// fields are left unchanged.
type SettingsPatch struct {
	TakerFee                 *float64 `json:"takerFee"`
	MakerFee                 *float64 `json:"makerFee"`
	EnableFunding            *bool    `json:"enableFunding"`
	BaseBalance              *float64 `json:"baseBalance"`
	DefaultStopLossPercent   *float64 `json:"defaultStopLossPercent"`
	DefaultTakeProfitPercent *float64 `json:"defaultTakeProfitPercent"`
	NumberFormat             *string  `json:"numberFormat"`
	Timezone                 *string  `json:"timezone"`
}

// UpdateSettings applies a partial update and returns the new row.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) (*types.Settings, error) {
	cur, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if patch.TakerFee != nil {
		cur.TakerFee = *patch.TakerFee
	}
	if patch.MakerFee != nil {
		cur.MakerFee = *patch.MakerFee
	}
	if patch.EnableFunding != nil {
		cur.EnableFunding = *patch.EnableFunding
	}
	if patch.BaseBalance != nil {
		cur.BaseBalance = *patch.BaseBalance
	}
	if patch.DefaultStopLossPercent != nil {
		cur.DefaultStopLossPercent = *patch.DefaultStopLossPercent
	}
	if patch.DefaultTakeProfitPercent != nil {
		cur.DefaultTakeProfitPercent = *patch.DefaultTakeProfitPercent
	}
	if patch.NumberFormat != nil {
		cur.NumberFormat = *patch.NumberFormat
	}
	if patch.Timezone != nil {
		cur.Timezone = *patch.Timezone
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE settings SET
			taker_fee = ?, maker_fee = ?, enable_funding = ?, base_balance = ?,
			default_sl_percent = ?, default_tp_percent = ?, number_format = ?, timezone = ?
		WHERE id = 1`,
		cur.TakerFee, cur.MakerFee, boolToInt(cur.EnableFunding), cur.BaseBalance,
		cur.DefaultStopLossPercent, cur.DefaultTakeProfitPercent,
		cur.NumberFormat, cur.Timezone,
	)
	if err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return cur, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
