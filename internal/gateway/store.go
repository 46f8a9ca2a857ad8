package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/owliabot/owlia/pkg/models"
)

var (
	ErrDeviceNotFound = errors.New("gateway: device not found")
	ErrDeviceRevoked  = errors.New("gateway: device revoked")
	ErrBadToken       = errors.New("gateway: bad device token")
)

// Store is the gateway's SQLite state: devices, pending pairings, events,
// idempotency records, rate limits, request audit rows, and API keys.
// Timestamps are stored as unix milliseconds.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open gateway db: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "gateway.store"), now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT PRIMARY KEY,
			token_hash   TEXT NOT NULL,
			scope_json   TEXT NOT NULL,
			revoked_at   INTEGER,
			paired_at    INTEGER NOT NULL,
			last_seen_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_pending (
			device_id    TEXT PRIMARY KEY,
			requested_at INTEGER NOT NULL,
			ip           TEXT,
			user_agent   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			type             TEXT NOT NULL,
			time             INTEGER NOT NULL,
			status           TEXT,
			source           TEXT,
			message          TEXT NOT NULL,
			metadata_json    TEXT,
			expires_at       INTEGER,
			acked_at         INTEGER,
			target_device_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_device_id, id)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key           TEXT PRIMARY KEY,
			request_hash  TEXT NOT NULL,
			response_json TEXT NOT NULL,
			expires_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id            TEXT PRIMARY KEY,
			time          INTEGER NOT NULL,
			actor_id      TEXT,
			device_id     TEXT,
			route         TEXT NOT NULL,
			ip            TEXT,
			request_id    TEXT,
			trace_id      TEXT,
			action        TEXT,
			level         TEXT,
			result        TEXT NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			bucket   TEXT PRIMARY KEY,
			count    INTEGER NOT NULL,
			reset_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			key_hash     TEXT NOT NULL,
			scope_json   TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER,
			revoked_at   INTEGER,
			last_used_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init gateway schema: %w", err)
		}
	}
	return nil
}

// --- pairing -------------------------------------------------------------

// CreatePending records a pairing request, replacing any earlier request
// for the same device.
func (s *Store) CreatePending(ctx context.Context, req models.PairingRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_pending(device_id, requested_at, ip, user_agent) VALUES(?,?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET requested_at=excluded.requested_at, ip=excluded.ip, user_agent=excluded.user_agent`,
		req.DeviceID, req.RequestedAt.UnixMilli(), req.IP, req.UserAgent)
	if err != nil {
		return fmt.Errorf("create pending pairing: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]models.PairingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, requested_at, ip, user_agent FROM pairing_pending ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending pairings: %w", err)
	}
	defer rows.Close()

	var out []models.PairingRequest
	for rows.Next() {
		var req models.PairingRequest
		var requested int64
		var ip, ua sql.NullString
		if err := rows.Scan(&req.DeviceID, &requested, &ip, &ua); err != nil {
			return nil, err
		}
		req.RequestedAt = time.UnixMilli(requested).UTC()
		req.IP = ip.String
		req.UserAgent = ua.String
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- devices -------------------------------------------------------------

// Approve pairs the device and returns its raw token, which is never
// stored. Approving an already-paired or revoked device re-pairs it with a
// fresh token and the supplied scope; concurrent approves settle on the
// last write. The pending row, if any, is consumed.
func (s *Store) Approve(ctx context.Context, deviceID string, scope models.Scope) (string, *models.Device, error) {
	token, hash, err := newDeviceToken()
	if err != nil {
		return "", nil, err
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return "", nil, fmt.Errorf("marshal scope: %w", err)
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO devices(device_id, token_hash, scope_json, revoked_at, paired_at, last_seen_at)
		 VALUES(?,?,?,NULL,?,NULL)
		 ON CONFLICT(device_id) DO UPDATE SET
		   token_hash=excluded.token_hash, scope_json=excluded.scope_json,
		   revoked_at=NULL, paired_at=excluded.paired_at`,
		deviceID, hash, string(scopeJSON), now.UnixMilli()); err != nil {
		return "", nil, fmt.Errorf("approve device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_pending WHERE device_id=?`, deviceID); err != nil {
		return "", nil, fmt.Errorf("consume pending pairing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}

	return token, &models.Device{DeviceID: deviceID, TokenHash: hash, Scope: scope, PairedAt: now}, nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, token_hash, scope_json, revoked_at, paired_at, last_seen_at
		 FROM devices WHERE device_id=?`, deviceID)
	return scanDevice(row)
}

func (s *Store) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, token_hash, scope_json, revoked_at, paired_at, last_seen_at
		 FROM devices ORDER BY paired_at`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var scopeJSON string
	var revoked, lastSeen sql.NullInt64
	var paired int64
	err := row.Scan(&d.DeviceID, &d.TokenHash, &scopeJSON, &revoked, &paired, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopeJSON), &d.Scope); err != nil {
		return nil, fmt.Errorf("device %s scope: %w", d.DeviceID, err)
	}
	d.PairedAt = time.UnixMilli(paired).UTC()
	d.RevokedAt = millisPtr(revoked)
	d.LastSeenAt = millisPtr(lastSeen)
	return &d, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Revoke marks the device revoked. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET revoked_at=COALESCE(revoked_at, ?) WHERE device_id=?`,
		s.now().UTC().UnixMilli(), deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrDeviceNotFound
	}
	return err
}

// UpdateScope replaces the scope on a paired device.
func (s *Store) UpdateScope(ctx context.Context, deviceID string, scope models.Scope) error {
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET scope_json=? WHERE device_id=? AND revoked_at IS NULL`,
		string(scopeJSON), deviceID)
	if err != nil {
		return fmt.Errorf("update scope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrRevoked(ctx, deviceID)
	}
	return nil
}

// RotateToken issues a fresh token for a paired device. Scope and the
// original pairing time are preserved.
func (s *Store) RotateToken(ctx context.Context, deviceID string) (string, error) {
	token, hash, err := newDeviceToken()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_hash=? WHERE device_id=? AND revoked_at IS NULL`,
		hash, deviceID)
	if err != nil {
		return "", fmt.Errorf("rotate token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", s.missingOrRevoked(ctx, deviceID)
	}
	return token, nil
}

func (s *Store) missingOrRevoked(ctx context.Context, deviceID string) error {
	if _, err := s.GetDevice(ctx, deviceID); errors.Is(err, ErrDeviceNotFound) {
		return ErrDeviceNotFound
	}
	return ErrDeviceRevoked
}

// Authenticate verifies a device token and stamps last_seen_at. Revoked
// devices fail even with the right token.
func (s *Store) Authenticate(ctx context.Context, deviceID, token string) (*models.Device, error) {
	d, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(d.TokenHash, token) {
		return nil, ErrBadToken
	}
	if d.Revoked() {
		return nil, ErrDeviceRevoked
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at=? WHERE device_id=?`, now.UnixMilli(), deviceID); err != nil {
		s.logger.Debug("last_seen update failed", "device", deviceID, "err", err)
	}
	d.LastSeenAt = &now
	return d, nil
}

// --- events --------------------------------------------------------------

// InsertEvent stores an event and returns its id. Ids are assigned by the
// database and form a total order over all events.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (int64, error) {
	var metadata any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(b)
	}
	t := ev.Time
	if t.IsZero() {
		t = s.now().UTC()
	}
	var expires any
	if ev.ExpiresAt != nil {
		expires = ev.ExpiresAt.UnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(type, time, status, source, message, metadata_json, expires_at, acked_at, target_device_id)
		 VALUES(?,?,?,?,?,?,?,NULL,?)`,
		string(ev.Type), t.UnixMilli(), ev.Status, ev.Source, ev.Message, metadata, expires, ev.TargetDeviceID)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	ev.Time = t
	return id, nil
}

// PollEvents returns undelivered events for the device in ascending id
// order. since < 0 means no cursor: the most recent batch is returned.
// Expired and acked events are invisible. The returned cursor is the max
// id handed out, or the caller's cursor when nothing new exists.
func (s *Store) PollEvents(ctx context.Context, deviceID string, since int64, limit int) ([]*models.Event, int64, error) {
	nowMs := s.now().UTC().UnixMilli()

	var rows *sql.Rows
	var err error
	if since >= 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, type, time, status, source, message, metadata_json, expires_at
			 FROM events
			 WHERE target_device_id=? AND id>? AND acked_at IS NULL
			   AND (expires_at IS NULL OR expires_at>?)
			 ORDER BY id ASC LIMIT ?`,
			deviceID, since, nowMs, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, type, time, status, source, message, metadata_json, expires_at
			 FROM events
			 WHERE target_device_id=? AND acked_at IS NULL
			   AND (expires_at IS NULL OR expires_at>?)
			 ORDER BY id DESC LIMIT ?`,
			deviceID, nowMs, limit)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("poll events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev := &models.Event{TargetDeviceID: deviceID}
		var typ string
		var t int64
		var status, source, metadata sql.NullString
		var expires sql.NullInt64
		if err := rows.Scan(&ev.ID, &typ, &t, &status, &source, &ev.Message, &metadata, &expires); err != nil {
			return nil, 0, err
		}
		ev.Type = models.EventType(typ)
		ev.Time = time.UnixMilli(t).UTC()
		ev.Status = status.String
		ev.Source = source.String
		ev.ExpiresAt = millisPtr(expires)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				s.logger.Warn("event metadata unreadable", "event", ev.ID, "err", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if since < 0 {
		// Newest-first query; hand them back ascending.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}

	cursor := since
	if cursor < 0 {
		cursor = 0
	}
	if len(events) > 0 {
		cursor = events[len(events)-1].ID
	}
	return events, cursor, nil
}

// AckEvents marks every event with id <= upTo for the device as delivered,
// preventing redelivery.
func (s *Store) AckEvents(ctx context.Context, deviceID string, upTo int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET acked_at=? WHERE target_device_id=? AND id<=? AND acked_at IS NULL`,
		s.now().UTC().UnixMilli(), deviceID, upTo)
	if err != nil {
		return fmt.Errorf("ack events: %w", err)
	}
	return nil
}

// CountDropped counts events past the device's cursor that expired before
// being acked: the backlog the device can no longer receive.
func (s *Store) CountDropped(ctx context.Context, deviceID string, since int64) (int, error) {
	if since < 0 {
		since = 0
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE target_device_id=? AND id>? AND acked_at IS NULL
		   AND expires_at IS NOT NULL AND expires_at<=?`,
		deviceID, since, s.now().UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dropped events: %w", err)
	}
	return n, nil
}

// --- idempotency ---------------------------------------------------------

type idempotencyRecord struct {
	RequestHash string
	Status      int    `json:"status"`
	Body        string `json:"body"`
}

// LookupIdempotency returns the stored response for a key, or nil when the
// key is unknown or expired.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (*idempotencyRecord, error) {
	var hash, responseJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_json FROM idempotency WHERE key=? AND expires_at>?`,
		key, s.now().UTC().UnixMilli()).Scan(&hash, &responseJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	rec := &idempotencyRecord{RequestHash: hash}
	if err := json.Unmarshal([]byte(responseJSON), rec); err != nil {
		return nil, fmt.Errorf("stored idempotent response unreadable: %w", err)
	}
	return rec, nil
}

// SaveIdempotency stores the first response for a key. A concurrent save
// for the same key keeps the earlier row.
func (s *Store) SaveIdempotency(ctx context.Context, key, requestHash string, status int, body []byte, ttl time.Duration) error {
	payload, err := json.Marshal(idempotencyRecord{Status: status, Body: string(body)})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency(key, request_hash, response_json, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO NOTHING`,
		key, requestHash, string(payload), s.now().UTC().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

// --- rate limits ---------------------------------------------------------

// AllowRate admits a request against the bucket's window, creating or
// resetting the bucket as needed. The returned reset time tells a denied
// caller when to retry.
func (s *Store) AllowRate(ctx context.Context, bucket string, max int, window time.Duration) (bool, time.Time, error) {
	if max <= 0 {
		return true, time.Time{}, nil
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, time.Time{}, err
	}
	defer tx.Rollback()

	var count int
	var resetAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT count, reset_at FROM rate_limits WHERE bucket=?`, bucket).Scan(&count, &resetAt)
	switch {
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, time.Time{}, fmt.Errorf("read rate bucket: %w", err)
	case errors.Is(err, sql.ErrNoRows) || resetAt <= now.UnixMilli():
		resetAt = now.Add(window).UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limits(bucket, count, reset_at) VALUES(?,1,?)
			 ON CONFLICT(bucket) DO UPDATE SET count=1, reset_at=excluded.reset_at`,
			bucket, resetAt); err != nil {
			return false, time.Time{}, fmt.Errorf("reset rate bucket: %w", err)
		}
	case count >= max:
		return false, time.UnixMilli(resetAt).UTC(), tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE rate_limits SET count=count+1 WHERE bucket=?`, bucket); err != nil {
			return false, time.Time{}, fmt.Errorf("bump rate bucket: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, time.Time{}, err
	}
	return true, time.UnixMilli(resetAt).UTC(), nil
}

// --- request audit -------------------------------------------------------

// AuditRow is one gateway request outcome.
type AuditRow struct {
	ActorID   string
	DeviceID  string
	Route     string
	IP        string
	RequestID string
	TraceID   string
	Action    string
	Level     string
	Result    string
	Metadata  map[string]any
}

func (s *Store) AppendAudit(ctx context.Context, row AuditRow) error {
	var metadata any
	if len(row.Metadata) > 0 {
		b, err := json.Marshal(row.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs(id, time, actor_id, device_id, route, ip, request_id, trace_id, action, level, result, metadata_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), s.now().UTC().UnixMilli(), row.ActorID, row.DeviceID, row.Route,
		row.IP, row.RequestID, row.TraceID, row.Action, row.Level, row.Result, metadata)
	if err != nil {
		return fmt.Errorf("append gateway audit: %w", err)
	}
	return nil
}

// --- API keys ------------------------------------------------------------

// CreateAPIKey mints an admin API key and returns the raw key once.
func (s *Store) CreateAPIKey(ctx context.Context, name string, ttl time.Duration) (string, error) {
	raw, hash, err := newAPIKey()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys(id, name, key_hash, scope_json, created_at, expires_at, revoked_at, last_used_at)
		 VALUES(?,?,?,?,?,?,NULL,NULL)`,
		uuid.NewString(), name, hash, `{"admin":true}`, now.UnixMilli(), expires)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return raw, nil
}

// ValidateAPIKey checks a raw key against the stored hashes and stamps
// last_used_at. Revoked and expired keys fail.
func (s *Store) ValidateAPIKey(ctx context.Context, raw string) (bool, error) {
	hash := hashToken(raw)
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM api_keys
		 WHERE key_hash=? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at>?)`,
		hash, s.now().UTC().UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate api key: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`, s.now().UTC().UnixMilli(), id); err != nil {
		s.logger.Debug("api key last_used update failed", "err", err)
	}
	return true, nil
}

// --- janitor -------------------------------------------------------------

// SweepStats reports what one janitor pass removed.
type SweepStats struct {
	Events      int64
	Idempotency int64
	Pairings    int64
	RateBuckets int64
}

// Sweep deletes expired events and idempotency rows, pending pairings
// older than pairingTTL, and spent rate buckets.
func (s *Store) Sweep(ctx context.Context, pairingTTL time.Duration) (SweepStats, error) {
	nowMs := s.now().UTC().UnixMilli()
	var stats SweepStats

	steps := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&stats.Events, `DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at<=?`, []any{nowMs}},
		{&stats.Idempotency, `DELETE FROM idempotency WHERE expires_at<=?`, []any{nowMs}},
		{&stats.Pairings, `DELETE FROM pairing_pending WHERE requested_at<=?`, []any{s.now().UTC().Add(-pairingTTL).UnixMilli()}},
		{&stats.RateBuckets, `DELETE FROM rate_limits WHERE reset_at<=?`, []any{nowMs}},
	}
	for _, step := range steps {
		res, err := s.db.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return stats, fmt.Errorf("sweep: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			*step.dest = n
		}
	}
	return stats, nil
}
