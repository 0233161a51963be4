package store

import (
	"fmt"
	"time"
)

// Outbox message kinds. The broker side routes on these, so they are part
// of the published contract.
const (
	OutboxKindOperation = "operation"
	OutboxKindStatus    = "status"
)

// OutboxMessage is one queued outbound publication. Rows stay in the table
// after sending (SentAt set) until pruned, so recent traffic can be
// inspected after a broker outage.
type OutboxMessage struct {
	ID        int64   `json:"id"`
	Topic     string  `json:"topic"`
	Payload   []byte  `json:"payload"`
	Kind      string  `json:"kind"`
	Retries   int     `json:"retries"`
	CreatedAt string  `json:"created_at"`
	SentAt    *string `json:"sent_at"`
}

// EnqueueOutbox queues a payload for publication on topic.
func (db *DB) EnqueueOutbox(topic string, payload []byte, kind string) (int64, error) {
	res, err := db.Exec(`INSERT INTO outbox (topic, payload, kind) VALUES (?, ?, ?)`,
		topic, payload, kind)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingOutbox returns up to limit unsent messages, oldest first.
func (db *DB) PendingOutbox(limit int) ([]OutboxMessage, error) {
	rows, err := db.Query(`SELECT id, topic, payload, kind, retries, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Kind, &m.Retries, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkOutboxSent stamps the message as delivered.
func (db *DB) MarkOutboxSent(id int64) error {
	_, err := db.Exec(`UPDATE outbox SET sent_at = datetime('now','localtime') WHERE id = ?`, id)
	return err
}

// BumpOutboxRetries records one failed delivery attempt.
func (db *DB) BumpOutboxRetries(id int64) error {
	_, err := db.Exec(`UPDATE outbox SET retries = retries + 1 WHERE id = ?`, id)
	return err
}

// PruneOutbox deletes sent messages older than keep and reports how many
// rows went away. Unsent messages are never pruned.
func (db *DB) PruneOutbox(keep time.Duration) (int64, error) {
	modifier := fmt.Sprintf("-%d seconds", int64(keep/time.Second))
	res, err := db.Exec(`DELETE FROM outbox
		WHERE sent_at IS NOT NULL AND sent_at <= datetime('now','localtime',?)`, modifier)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
