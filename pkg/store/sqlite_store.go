package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at_us INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    parent_turn_id TEXT,
    branch_id TEXT NOT NULL,
    role TEXT NOT NULL,
    model TEXT,
    content TEXT NOT NULL DEFAULT '',
    sealed INTEGER NOT NULL DEFAULT 0,
    created_at_us INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (conversation_id, created_at_us, seq);
CREATE INDEX IF NOT EXISTS idx_turns_user_lookup ON turns (conversation_id, role, branch_id, created_at_us);
`

const turnColumns = `seq, id, conversation_id, parent_turn_id, branch_id, role, model, content, sealed, created_at_us`

// SQLiteStore persists conversations and turns in a SQLite database.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps writers serialized and makes :memory: databases usable
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{dsn: dsn, db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *conversation.Conversation) (*conversation.Conversation, error) {
	if c == nil {
		c = &conversation.Conversation{}
	}
	clone := c.Clone()
	if clone.ID == "" {
		clone.ID = conversation.NewConversation("").ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, clone.ID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, &conversation.ValidationError{Field: "id", Reason: "conversation " + clone.ID + " already exists"}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at_us) VALUES (?, ?, ?)`,
		clone.ID, clone.Title, clone.CreatedAt.UnixMicro())
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: insert conversation")
	}
	clone.CreatedAt = time.UnixMicro(clone.CreatedAt.UnixMicro())
	return clone, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.getConversation(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) getConversation(ctx context.Context, q queryer, id string) (*conversation.Conversation, error) {
	var title string
	var createdAt int64
	err := q.QueryRowContext(ctx, `SELECT title, created_at_us FROM conversations WHERE id = ?`, id).Scan(&title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ConversationNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &conversation.Conversation{ID: id, Title: title, CreatedAt: time.UnixMicro(createdAt)}, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at_us FROM conversations ORDER BY created_at_us DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []*conversation.Conversation
	for rows.Next() {
		var c conversation.Conversation
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Title, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMicro(createdAt)
		ret = append(ret, &c)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getConversation(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, t *conversation.Turn) (*conversation.Turn, error) {
	turn, err := prepareTurn(t, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.getConversation(ctx, tx, turn.ConversationID)
		if err != nil {
			return err
		}
		if !turn.ParentTurnID.IsNull() {
			var parents int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM turns WHERE id = ? AND conversation_id = ?`,
				turn.ParentTurnID.String(), turn.ConversationID).Scan(&parents)
			if err != nil {
				return err
			}
			if parents == 0 {
				return conversation.TurnNotFound(turn.ParentTurnID)
			}
		}

		deriveTitle := false
		if turn.Role == conversation.RoleUser && conv.HasDerivableTitle() {
			var users int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM turns WHERE conversation_id = ? AND role = ?`,
				turn.ConversationID, string(conversation.RoleUser)).Scan(&users)
			if err != nil {
				return err
			}
			deriveTitle = users == 0
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, conversation_id, parent_turn_id, branch_id, role, model, content, sealed, created_at_us)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID.String(),
			turn.ConversationID,
			nullableTurnID(turn.ParentTurnID),
			turn.BranchID,
			string(turn.Role),
			nullableString(turn.Model),
			turn.Content,
			turn.Sealed,
			turn.Timestamp.UnixMicro(),
		)
		if err != nil {
			return errors.Wrap(err, "sqlite store: insert turn")
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		turn.Seq = seq

		if deriveTitle {
			_, err = tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`,
				conversation.DeriveTitle(turn.Content), turn.ConversationID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	turn.Timestamp = time.UnixMicro(turn.Timestamp.UnixMicro())
	return turn, nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, conversation.TurnNotFound(id)
	}
	return turns[0], nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string) (conversation.Turns, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, err := s.getConversation(ctx, s.db, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE conversation_id = ? ORDER BY created_at_us ASC, seq ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	conversation.SortTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) UpdateTurnContent(ctx context.Context, id conversation.TurnID, content string, seal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sealed bool
		err := tx.QueryRowContext(ctx, `SELECT sealed FROM turns WHERE id = ?`, id.String()).Scan(&sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.TurnNotFound(id)
		}
		if err != nil {
			return err
		}
		if sealed {
			return &conversation.SealedError{TurnID: id}
		}
		_, err = tx.ExecContext(ctx, `UPDATE turns SET content = ?, sealed = ? WHERE id = ?`, content, seal, id.String())
		return err
	})
}

func (s *SQLiteStore) DeleteTurns(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, err := s.getConversation(ctx, s.db, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *SQLiteStore) FindUserTurn(ctx context.Context, conversationID, branchID, content string, since time.Time) (*conversation.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, err := s.getConversation(ctx, s.db, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns
WHERE conversation_id = ? AND role = ? AND branch_id = ? AND content = ? AND created_at_us >= ?
ORDER BY created_at_us DESC, seq DESC LIMIT 1`,
		conversationID, string(conversation.RoleUser), branchID, content, since.UnixMicro())
	if err != nil {
		return nil, err
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return turns[0], nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("sqlite store closed")
	}
	return nil
}

func scanTurns(rows *sql.Rows) (conversation.Turns, error) {
	defer func() {
		_ = rows.Close()
	}()
	var ret conversation.Turns
	for rows.Next() {
		var (
			t         conversation.Turn
			id        string
			parent    sql.NullString
			role      string
			model     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&t.Seq, &id, &t.ConversationID, &parent, &t.BranchID, &role, &model, &t.Content, &t.Sealed, &createdAt); err != nil {
			return nil, err
		}
		turnID, err := conversation.ParseTurnID(id)
		if err != nil {
			return nil, err
		}
		t.ID = turnID
		if parent.Valid {
			parentID, err := conversation.ParseTurnID(parent.String)
			if err != nil {
				return nil, err
			}
			t.ParentTurnID = parentID
		}
		t.Role = conversation.Role(role)
		t.Model = model.String
		t.Timestamp = time.UnixMicro(createdAt)
		ret = append(ret, &t)
	}
	return ret, rows.Err()
}

func nullableTurnID(id conversation.TurnID) sql.NullString {
	if id.IsNull() {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
