package store

import (
	"time"
)

// Operation is one persisted sort operation.
type Operation struct {
	ID         int64     `json:"id"`
	UUID       string    `json:"uuid"`
	Category   string    `json:"category"`
	PickupX    float64   `json:"pickup_x"`
	PickupY    float64   `json:"pickup_y"`
	PickupZ    float64   `json:"pickup_z"`
	Bin        string    `json:"bin"`
	ArmType    string    `json:"arm_type"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (db *DB) InsertOperation(op Operation) (int64, error) {
	res, err := db.Exec(`INSERT INTO operations
		(uuid, category, pickup_x, pickup_y, pickup_z, bin, arm_type, success, detail, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.UUID, op.Category, op.PickupX, op.PickupY, op.PickupZ, op.Bin, op.ArmType,
		op.Success, op.Detail, op.DurationMS, formatTime(op.StartedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListOperations returns the most recent operations, newest first.
func (db *DB) ListOperations(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT id, uuid, category, pickup_x, pickup_y, pickup_z, bin, arm_type,
		success, detail, duration_ms, started_at, created_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var startedAt, createdAt string
		if err := rows.Scan(&op.ID, &op.UUID, &op.Category, &op.PickupX, &op.PickupY, &op.PickupZ,
			&op.Bin, &op.ArmType, &op.Success, &op.Detail, &op.DurationMS, &startedAt, &createdAt); err != nil {
			return nil, err
		}
		op.StartedAt = scanTime(startedAt)
		op.CreatedAt = scanTime(createdAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// OperationCounts aggregates persisted outcomes per category.
type OperationCounts struct {
	Category  string `json:"category"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
}

func (db *DB) CountOperations() ([]OperationCounts, error) {
	rows, err := db.Query(`SELECT category, COUNT(*), SUM(success) FROM operations GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationCounts
	for rows.Next() {
		var c OperationCounts
		if err := rows.Scan(&c.Category, &c.Total, &c.Succeeded); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
