package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"peersend/dto"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// DeviceSighting is one remembered device, with first and most recent
// observation times in Unix milliseconds.
type DeviceSighting struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Version    string
	FirstSeen  int64
	LastSeen   int64
	LastIP     string
	LastPort   int
}

// SessionRecord is one transfer session's history row.
type SessionRecord struct {
	SessionID        string
	SenderID         string
	ReceiverID       string
	FileCount        int
	TotalBytes       int64
	BytesTransferred int64
	Outcome          string
	StartedAt        int64
	EndedAt          int64
}

// UpsertDeviceSighting records a device observation: first sighting
// inserts the row, later sightings refresh the mutable fields.
func (s *Store) UpsertDeviceSighting(device dto.DeviceInfo) error {
	if device.ID == "" {
		return errors.New("device_id is required")
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			device_name,
			device_type,
			version,
			first_seen,
			last_seen,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			version = excluded.version,
			last_seen = excluded.last_seen,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port`,
		device.ID,
		device.Name,
		device.DeviceType,
		device.Version,
		now,
		now,
		device.IP,
		device.Port,
	)
	if err != nil {
		return fmt.Errorf("upsert device sighting %q: %w", device.ID, err)
	}

	return nil
}

// GetDeviceSighting fetches one remembered device.
func (s *Store) GetDeviceSighting(deviceID string) (*DeviceSighting, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			device_type,
			version,
			first_seen,
			last_seen,
			last_known_ip,
			last_known_port
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	var (
		sighting DeviceSighting
		ip       sql.NullString
		port     sql.NullInt64
	)
	if err := row.Scan(
		&sighting.DeviceID,
		&sighting.DeviceName,
		&sighting.DeviceType,
		&sighting.Version,
		&sighting.FirstSeen,
		&sighting.LastSeen,
		&ip,
		&port,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device sighting %q: %w", deviceID, err)
	}

	sighting.LastIP = ip.String
	sighting.LastPort = int(port.Int64)
	return &sighting, nil
}

// RecordSession inserts the history row for a freshly opened session.
func (s *Store) RecordSession(id, senderID, receiverID string, fileCount int, totalBytes int64) error {
	if id == "" {
		return errors.New("session_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (
			session_id,
			sender_id,
			receiver_id,
			file_count,
			total_bytes,
			outcome,
			started_at
		) VALUES (?, ?, ?, ?, ?, 'waiting', ?)`,
		id,
		senderID,
		receiverID,
		fileCount,
		totalBytes,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", id, err)
	}

	return nil
}

// RecordSessionFiles attaches the file list to a recorded session.
func (s *Store) RecordSessionFiles(sessionID string, files []dto.FileMetadata) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin session files transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, f := range files {
		if _, err := tx.Exec(
			`INSERT INTO session_files (session_id, file_id, file_name, file_size)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, file_id) DO NOTHING`,
			sessionID,
			f.ID,
			f.Name,
			f.Size,
		); err != nil {
			return fmt.Errorf("insert session file %q: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session files transaction: %w", err)
	}
	return nil
}

// UpdateSessionOutcome stamps a session's terminal outcome and final byte
// count.
func (s *Store) UpdateSessionOutcome(id, outcome string, bytesTransferred int64) error {
	if id == "" {
		return errors.New("session_id is required")
	}
	if outcome == "" {
		return errors.New("outcome is required")
	}

	res, err := s.db.Exec(
		`UPDATE sessions
		SET outcome = ?,
		    bytes_transferred = ?,
		    ended_at = ?
		WHERE session_id = ?`,
		outcome,
		bytesTransferred,
		nowUnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update session outcome %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for session outcome %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetSessionByID fetches one session history row.
func (s *Store) GetSessionByID(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			session_id,
			sender_id,
			receiver_id,
			file_count,
			total_bytes,
			bytes_transferred,
			outcome,
			started_at,
			ended_at
		FROM sessions
		WHERE session_id = ?`,
		id,
	)

	record, err := scanSessionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}
	return record, nil
}

// ListRecentSessions returns session history, newest first.
func (s *Store) ListRecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			sender_id,
			receiver_id,
			file_count,
			total_bytes,
			bytes_transferred,
			outcome,
			started_at,
			ended_at
		FROM sessions
		ORDER BY started_at DESC, session_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	defer rows.Close()

	records := make([]SessionRecord, 0)
	for rows.Next() {
		record, err := scanSessionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSessionRecord(row scanner) (*SessionRecord, error) {
	var (
		record  SessionRecord
		endedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.SessionID,
		&record.SenderID,
		&record.ReceiverID,
		&record.FileCount,
		&record.TotalBytes,
		&record.BytesTransferred,
		&record.Outcome,
		&record.StartedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}
	record.EndedAt = endedAt.Int64
	return &record, nil
}
