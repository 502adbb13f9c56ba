package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gwi.com/chatcore/internal/ids"
	"gwi.com/chatcore/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteStore struct {
	db     *sql.DB
	q      querier
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database file at path, sizes the
// connection pool to maxConns and applies the embedded migrations.
func NewSQLiteStore(ctx context.Context, path string, maxConns int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 1
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, q: db, logger: logger}

	migrator, err := newMigrator(db, migrationFS)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err = store.migrate(ctx, migrator); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	// Sized after migrating: the migrator pins a connection of its own.
	db.SetMaxOpenConns(maxConns)
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Writer is the set of mutations applied by the persistence engine.
type Writer interface {
	AddChannel(ctx context.Context, ch model.Channel) error
	RemoveChannel(ctx context.Context, id ids.ID) error
	UpdateChannel(ctx context.Context, id ids.ID, name string, desc *string, cfg model.ChannelConfig) error
	AddMsg(ctx context.Context, channelID ids.ID, msg *model.Message) error
	UpdateMsg(ctx context.Context, msg *model.Message) error
	RemoveMsg(ctx context.Context, id ids.ID) error
	RemoveMsgsByChannel(ctx context.Context, channelID ids.ID) error
	AddAttachment(ctx context.Context, att model.Attachment) (string, error)
}

// InTx runs fn against a writer bound to a single transaction. An error
// from an individual statement does not abort the transaction; only an
// error returned by fn rolls it back.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	bound := &SQLiteStore{db: s.db, q: tx, logger: s.logger}
	if err := fn(bound); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Channel methods

func (s *SQLiteStore) AddChannel(ctx context.Context, ch model.Channel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal channel cfg: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO channel (id, name, "desc", cfg, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM channel))`,
		ch.ID.String(), ch.Name, nullString(ch.Desc), string(cfg))
	if err != nil {
		return fmt.Errorf("failed to insert channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveChannel(ctx context.Context, id ids.ID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM channel WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", id, err)
	}
	return nil
}

// UpdateChannel overwrites name, desc and cfg. Unknown ids are ignored.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, id ids.ID, name string, desc *string, cfg model.ChannelConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel cfg: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE channel SET name = ?, "desc" = ?, cfg = ? WHERE id = ?`,
		name, nullString(desc), string(raw), id.String())
	if err != nil {
		return fmt.Errorf("failed to update channel %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) QueryChannel(ctx context.Context, id ids.ID) (model.Channel, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, name, "desc", cfg FROM channel WHERE id = ?`, id.String())
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return model.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return ch, err
}

// QueryAllChannels returns every channel in insertion order, messages not loaded.
func (s *SQLiteStore) QueryAllChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, "desc", cfg FROM channel ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read channel rows: %w", err)
	}
	return channels, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(sc scanner) (model.Channel, error) {
	var (
		ch     model.Channel
		rawID  string
		desc   sql.NullString
		rawCfg string
	)
	if err := sc.Scan(&rawID, &ch.Name, &desc, &rawCfg); err != nil {
		if err == sql.ErrNoRows {
			return ch, err
		}
		return ch, fmt.Errorf("failed to scan channel row: %w", err)
	}
	id, err := ids.Parse(rawID)
	if err != nil {
		return ch, &DecodeError{Table: "channel", Column: "id", Key: rawID, Err: err}
	}
	ch.ID = id
	if desc.Valid {
		ch.Desc = &desc.String
	}
	if err := json.Unmarshal([]byte(rawCfg), &ch.Config); err != nil {
		return ch, &DecodeError{Table: "channel", Column: "cfg", Key: rawID, Err: err}
	}
	ch.Status = model.NonFetched
	return ch, nil
}

// Message methods

func (s *SQLiteStore) AddMsg(ctx context.Context, channelID ids.ID, msg *model.Message) error {
	role, err := json.Marshal(msg.Role)
	if err != nil {
		return fmt.Errorf("failed to marshal role: %w", err)
	}
	contents, meta, err := encodeMutable(msg)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO msg (id, channel_id, role, cur_idx, cont_list, meta, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM msg))`,
		msg.ID.String(), channelID.String(), string(role), msg.CurrentIndex, contents, meta, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateMsg overwrites cur_idx, cont_list and meta.
func (s *SQLiteStore) UpdateMsg(ctx context.Context, msg *model.Message) error {
	contents, meta, err := encodeMutable(msg)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		"UPDATE msg SET cur_idx = ?, cont_list = ?, meta = ? WHERE id = ?",
		msg.CurrentIndex, contents, meta, msg.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMsg(ctx context.Context, id ids.ID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM msg WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// RemoveMsgsByChannel deletes every message of a channel.
func (s *SQLiteStore) RemoveMsgsByChannel(ctx context.Context, channelID ids.ID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM msg WHERE channel_id = ?", channelID.String()); err != nil {
		return fmt.Errorf("failed to delete messages of channel %s: %w", channelID, err)
	}
	return nil
}

// QueryMsgsByChannel returns a channel's messages in insertion order.
func (s *SQLiteStore) QueryMsgsByChannel(ctx context.Context, channelID ids.ID) ([]*model.Message, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, role, cur_idx, cont_list, meta, created_at FROM msg WHERE channel_id = ? ORDER BY seq",
		channelID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		var (
			msg                         model.Message
			rawID, role, contents, meta string
		)
		if err := rows.Scan(&rawID, &role, &msg.CurrentIndex, &contents, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if msg.ID, err = ids.Parse(rawID); err != nil {
			return nil, &DecodeError{Table: "msg", Column: "id", Key: rawID, Err: err}
		}
		if err := json.Unmarshal([]byte(role), &msg.Role); err != nil {
			return nil, &DecodeError{Table: "msg", Column: "role", Key: rawID, Err: err}
		}
		if err := json.Unmarshal([]byte(contents), &msg.Contents); err != nil {
			return nil, &DecodeError{Table: "msg", Column: "cont_list", Key: rawID, Err: err}
		}
		if err := json.Unmarshal([]byte(meta), &msg.Meta); err != nil {
			return nil, &DecodeError{Table: "msg", Column: "meta", Key: rawID, Err: err}
		}
		if err := msg.Validate(); err != nil {
			return nil, &DecodeError{Table: "msg", Column: "cont_list", Key: rawID, Err: err}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}
	return messages, nil
}

func encodeMutable(msg *model.Message) (string, string, error) {
	contents, err := json.Marshal(msg.Contents)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal cont_list: %w", err)
	}
	meta, err := json.Marshal(msg.Meta)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(contents), string(meta), nil
}

// Attachment methods

// AddAttachment stores an attachment and returns its name, allocating one
// when att.Name is empty.
func (s *SQLiteStore) AddAttachment(ctx context.Context, att model.Attachment) (string, error) {
	if att.Name == "" {
		att.Name = ids.NewAttachmentName()
	}
	// A nil slice binds as NULL.
	if att.Data == nil {
		att.Data = []byte{}
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO attachment (name, mime, data) VALUES (?, ?, ?)",
		att.Name, att.Mime, att.Data)
	if err != nil {
		return "", fmt.Errorf("failed to insert attachment %s: %w", att.Name, err)
	}
	return att.Name, nil
}

func (s *SQLiteStore) QueryAttachment(ctx context.Context, name string) (model.Attachment, error) {
	att := model.Attachment{Name: name}
	err := s.q.QueryRowContext(ctx, "SELECT mime, data FROM attachment WHERE name = ?", name).Scan(&att.Mime, &att.Data)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Attachment{}, fmt.Errorf("attachment %s: %w", name, ErrNotFound)
		}
		return model.Attachment{}, fmt.Errorf("failed to query attachment: %w", err)
	}
	return att, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
