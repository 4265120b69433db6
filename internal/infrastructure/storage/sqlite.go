package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vitos/crypto_signal_copier/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			entry_order_id TEXT NOT NULL DEFAULT '',
			stop_loss REAL NOT NULL DEFAULT 0,
			stop_order_id TEXT NOT NULL DEFAULT '',
			tp1_price REAL NOT NULL DEFAULT 0,
			tp1_qty REAL NOT NULL DEFAULT 0,
			tp1_order_id TEXT NOT NULL DEFAULT '',
			tp2_price REAL NOT NULL DEFAULT 0,
			tp2_qty REAL NOT NULL DEFAULT 0,
			tp2_order_id TEXT NOT NULL DEFAULT '',
			tp3_price REAL NOT NULL DEFAULT 0,
			tp3_qty REAL NOT NULL DEFAULT 0,
			tp3_order_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			close_price REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			realized_pnl REAL NOT NULL DEFAULT 0,
			signal_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		// The sole safety net against two concurrent signals opening the
		// same instrument twice.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_unique
			ON positions(user_id, symbol, side) WHERE status = 'open';`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions(closed_at);`,
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			stop_loss REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			atr REAL NOT NULL DEFAULT 0,
			strength REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 0,
			volume_ratio REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			position_id TEXT NOT NULL DEFAULT '',
			signal_time DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_idempotency
			ON signals(user_id, symbol, side, signal_time);`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// --- PositionRepository ---

const positionColumns = `id, user_id, symbol, side, entry_price, quantity, leverage, entry_order_id,
	stop_loss, stop_order_id,
	tp1_price, tp1_qty, tp1_order_id,
	tp2_price, tp2_qty, tp2_order_id,
	tp3_price, tp3_qty, tp3_order_id,
	status, close_price, close_reason, realized_pnl, signal_id, metadata, opened_at, closed_at`

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	meta, err := json.Marshal(pos.Metadata)
	if err != nil {
		return err
	}
	if pos.Metadata == nil {
		meta = []byte("{}")
	}

	var tp [3]domain.TakeProfitLeg
	copy(tp[:], pos.TakeProfits)

	var closedAt interface{}
	if !pos.ClosedAt.IsZero() {
		closedAt = pos.ClosedAt
	}

	query := `INSERT INTO positions (` + positionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		pos.ID, pos.UserID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.Leverage, pos.EntryOrderID,
		pos.StopLoss, pos.StopOrderID,
		tp[0].Price, tp[0].Quantity, tp[0].OrderID,
		tp[1].Price, tp[1].Quantity, tp[1].OrderID,
		tp[2].Price, tp[2].Quantity, tp[2].OrderID,
		pos.Status, pos.ClosePrice, pos.CloseReason, pos.RealizedPnL, pos.SignalID, string(meta), pos.OpenedAt, closedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s %s", domain.ErrDuplicateOpenPosition, pos.UserID, pos.Symbol, pos.Side)
	}
	return err
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	meta, err := json.Marshal(pos.Metadata)
	if err != nil {
		return err
	}
	if pos.Metadata == nil {
		meta = []byte("{}")
	}

	var tp [3]domain.TakeProfitLeg
	copy(tp[:], pos.TakeProfits)

	var closedAt interface{}
	if !pos.ClosedAt.IsZero() {
		closedAt = pos.ClosedAt
	}

	query := `UPDATE positions SET
		user_id = ?, symbol = ?, side = ?, entry_price = ?, quantity = ?, leverage = ?, entry_order_id = ?,
		stop_loss = ?, stop_order_id = ?,
		tp1_price = ?, tp1_qty = ?, tp1_order_id = ?,
		tp2_price = ?, tp2_qty = ?, tp2_order_id = ?,
		tp3_price = ?, tp3_qty = ?, tp3_order_id = ?,
		status = ?, close_price = ?, close_reason = ?, realized_pnl = ?, signal_id = ?, metadata = ?,
		opened_at = ?, closed_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		pos.UserID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.Leverage, pos.EntryOrderID,
		pos.StopLoss, pos.StopOrderID,
		tp[0].Price, tp[0].Quantity, tp[0].OrderID,
		tp[1].Price, tp[1].Quantity, tp[1].OrderID,
		tp[2].Price, tp[2].Quantity, tp[2].OrderID,
		pos.Status, pos.ClosePrice, pos.CloseReason, pos.RealizedPnL, pos.SignalID, string(meta),
		pos.OpenedAt, closedAt, pos.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) scanPosition(row interface{ Scan(...interface{}) error }) (*domain.Position, error) {
	var p domain.Position
	var tp [3]domain.TakeProfitLeg
	var meta string
	var closedAt sql.NullTime

	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.Leverage, &p.EntryOrderID,
		&p.StopLoss, &p.StopOrderID,
		&tp[0].Price, &tp[0].Quantity, &tp[0].OrderID,
		&tp[1].Price, &tp[1].Quantity, &tp[1].OrderID,
		&tp[2].Price, &tp[2].Quantity, &tp[2].OrderID,
		&p.Status, &p.ClosePrice, &p.CloseReason, &p.RealizedPnL, &p.SignalID, &meta, &p.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	for _, leg := range tp {
		if leg.Price != 0 {
			p.TakeProfits = append(p.TakeProfits, leg)
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return nil, err
		}
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`
	return s.scanPosition(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := s.scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND status = 'open'`, userID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) FindOpenPosition(ctx context.Context, userID, symbol string, side domain.Side) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ? AND symbol = ? AND side = ? AND status = 'open'`
	return s.scanPosition(s.db.QueryRowContext(ctx, query, userID, symbol, side))
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ? AND status = 'open' ORDER BY opened_at`
	return s.queryPositions(ctx, query, userID)
}

func (s *SQLiteStore) ListClosedPositions(ctx context.Context, userID string, since time.Time) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ? AND status = 'closed' AND closed_at >= ? ORDER BY closed_at`
	return s.queryPositions(ctx, query, userID, since)
}

func (s *SQLiteStore) ListOrphanClosedPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ? AND status = 'closed' AND signal_id = '' ORDER BY closed_at`
	return s.queryPositions(ctx, query, userID)
}

func (s *SQLiteStore) DailyRealizedPnL(ctx context.Context, userID string, day time.Time) (float64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var pnl float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		 WHERE user_id = ? AND status = 'closed' AND closed_at >= ? AND closed_at < ?`,
		userID, start, end).Scan(&pnl)
	return pnl, err
}

// --- SignalRepository ---

const signalColumns = `id, user_id, symbol, side, price, stop_loss, take_profit, atr, strength,
	leverage, volume_ratio, status, reason, position_id, signal_time, created_at`

func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	query := `INSERT INTO signals (` + signalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.UserID, sig.Symbol, sig.Side, sig.Price, sig.StopLoss, sig.TakeProfit,
		sig.ATR, sig.Strength, sig.Leverage, sig.VolumeRatio,
		sig.Status, sig.Reason, sig.PositionID, sig.SignalTime, sig.CreatedAt)
	return err
}

func (s *SQLiteStore) UpdateSignal(ctx context.Context, sig *domain.Signal) error {
	query := `UPDATE signals SET status = ?, reason = ?, position_id = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, sig.Status, sig.Reason, sig.PositionID, sig.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) scanSignal(row interface{ Scan(...interface{}) error }) (*domain.Signal, error) {
	var sig domain.Signal
	err := row.Scan(&sig.ID, &sig.UserID, &sig.Symbol, &sig.Side, &sig.Price, &sig.StopLoss,
		&sig.TakeProfit, &sig.ATR, &sig.Strength, &sig.Leverage, &sig.VolumeRatio,
		&sig.Status, &sig.Reason, &sig.PositionID, &sig.SignalTime, &sig.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &sig, nil
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = ?`
	return s.scanSignal(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, userID, symbol string, side domain.Side, signalTime time.Time) (*domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE user_id = ? AND symbol = ? AND side = ? AND signal_time = ?`
	return s.scanSignal(s.db.QueryRowContext(ctx, query, userID, symbol, side, signalTime))
}

func (s *SQLiteStore) ListUnlinkedSignals(ctx context.Context, userID string, since time.Time) ([]*domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE user_id = ? AND position_id = '' AND status IN ('pending', 'executed')
		AND signal_time >= ? ORDER BY signal_time DESC`
	rows, err := s.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		sig, err := s.scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// --- SettingsRepository ---

func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM user_settings WHERE user_id = ?`, userID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	var settings domain.UserSettings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, err
	}
	settings.UserID = userID
	return &settings, nil
}

func (s *SQLiteStore) SaveUserSettings(ctx context.Context, settings *domain.UserSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	query := `INSERT INTO user_settings (user_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, settings.UserID, string(data), time.Now())
	return err
}
