package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sevir/cadence/pkg/models"
)

// Ledger records questions and how they were settled. Ledger failures never
// affect the exchange itself.
type Ledger interface {
	Opened(ctx context.Context, q *models.Question) error
	Settled(ctx context.Context, q *models.Question, answer *models.Answer) error
}

// NopLedger discards everything.
type NopLedger struct{}

func (NopLedger) Opened(context.Context, *models.Question) error                  { return nil }
func (NopLedger) Settled(context.Context, *models.Question, *models.Answer) error { return nil }

const createQuestionLogTable = `
CREATE TABLE IF NOT EXISTS question_log (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	suggestions TEXT NOT NULL DEFAULT '[]',
	state       TEXT NOT NULL DEFAULT 'pending',
	answer      TEXT,
	created_at  TIMESTAMP NOT NULL,
	settled_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_question_log_task ON question_log(task_id, created_at);
`

// Record is one row of the ledger.
type Record struct {
	Question  models.Question `json:"question"`
	Answer    *string         `json:"answer,omitempty"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// SQLiteLedger stores the ledger in a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (or creates) the ledger at path. ":memory:" keeps
// it in process.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open question ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	l, err := NewSQLiteLedger(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLedger uses an already opened database and ensures the schema.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if _, err := db.Exec(createQuestionLogTable); err != nil {
		return nil, fmt.Errorf("create question_log table: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Opened inserts a pending row.
func (l *SQLiteLedger) Opened(ctx context.Context, q *models.Question) error {
	sugg, err := json.Marshal(q.Suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}
	if q.Suggestions == nil {
		sugg = []byte("[]")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO question_log (id, task_id, prompt, kind, suggestions, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TaskID, q.Prompt, string(q.Kind), string(sugg), string(q.State), q.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record question: %w", err)
	}
	return nil
}

// Settled stores the final state and, when answered, the answer text.
func (l *SQLiteLedger) Settled(ctx context.Context, q *models.Question, answer *models.Answer) error {
	var text sql.NullString
	settledAt := time.Now().UTC()
	if answer != nil {
		text = sql.NullString{String: answer.Text, Valid: true}
		settledAt = answer.AnsweredAt.UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE question_log SET state = ?, answer = ?, settled_at = ? WHERE id = ? AND state = 'pending'`,
		string(q.State), text, settledAt, q.ID,
	)
	if err != nil {
		return fmt.Errorf("settle question: %w", err)
	}
	return nil
}

// ListByTask returns the questions of a task, oldest first.
func (l *SQLiteLedger) ListByTask(ctx context.Context, taskID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, prompt, kind, suggestions, state, answer, created_at, settled_at
		 FROM question_log WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			kind      string
			state     string
			sugg      string
			answer    sql.NullString
			settledAt sql.NullTime
		)
		if err := rows.Scan(&rec.Question.ID, &rec.Question.TaskID, &rec.Question.Prompt,
			&kind, &sugg, &state, &answer, &rec.Question.CreatedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		rec.Question.Kind = models.QuestionKind(kind)
		rec.Question.State = models.QuestionState(state)
		if err := json.Unmarshal([]byte(sugg), &rec.Question.Suggestions); err != nil {
			return nil, fmt.Errorf("decode suggestions: %w", err)
		}
		if answer.Valid {
			rec.Answer = &answer.String
		}
		if settledAt.Valid {
			t := settledAt.Time
			rec.SettledAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
