// Package journal keeps an append-only SQLite log of the calling events a
// consumer has seen.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/dense-identity/relaycall/internal/calling"
)

// Entry is one journaled event.
type Entry struct {
	ID           int64
	Time         time.Time
	EventType    string
	EventChannel string
	Topic        calling.Topic
	CallID       string
	ControlID    string
	Payload      json.RawMessage
}

type Journal struct {
	db  *sql.DB
	Now func() time.Time
	Log logrus.FieldLogger
}

// Open opens (creating if needed) the journal database at path and applies
// migrations.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Journal{db: db, Now: time.Now, Log: l}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// ids pulls the correlation keys every calling payload shares.
type ids struct {
	CallID    string `json:"call_id"`
	ControlID string `json:"control_id"`
}

// Append records ev. Events without a known topic are stored with an empty
// topic; params that are not an object are stored without correlation ids.
func (j *Journal) Append(ctx context.Context, ev *calling.Event) error {
	var keys ids
	if len(ev.Params) > 0 {
		if err := json.Unmarshal(ev.Params, &keys); err != nil {
			j.Log.WithError(err).WithField("event_type", ev.EventType).Debug("[Journal] Event params carry no correlation ids")
		}
	}
	topic, _ := ev.Topic()
	payload := ev.Params
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ts := j.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events(ts,event_type,event_channel,topic,call_id,control_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, ev.EventType, nullable(ev.EventChannel), string(topic), nullable(keys.CallID), nullable(keys.ControlID), string(payload))
	if err != nil {
		return fmt.Errorf("append %s: %w", ev.EventType, err)
	}
	return nil
}

// Tail returns the last n entries, oldest first.
func (j *Journal) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT id,ts,event_type,event_channel,topic,call_id,control_id,payload_json
FROM (SELECT * FROM events ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("query tail: %w", err)
	}
	return scanEntries(rows)
}

// ForCall returns every entry recorded for callID, oldest first.
func (j *Journal) ForCall(ctx context.Context, callID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id,ts,event_type,event_channel,topic,call_id,control_id,payload_json
FROM events WHERE call_id=? ORDER BY id ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("query call %s: %w", callID, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, topic, payload string
		var channel, callID, controlID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &channel, &topic, &callID, &controlID, &payload); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %d: bad timestamp %q: %w", e.ID, ts, err)
		}
		e.Time = t
		e.Topic = calling.Topic(topic)
		e.EventChannel = channel.String
		e.CallID = callID.String
		e.ControlID = controlID.String
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
