package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Calibration is a stored set of image/robot point correspondences. At most
// one set is active; the active set wins over the config file at startup.
type Calibration struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	ImagePoints [][2]float64 `json:"image_points"`
	RobotPoints [][2]float64 `json:"robot_points"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SaveCalibration inserts a calibration set and makes it the active one.
func (db *DB) SaveCalibration(name string, imagePoints, robotPoints [][2]float64) (int64, error) {
	img, err := json.Marshal(imagePoints)
	if err != nil {
		return 0, err
	}
	rob, err := json.Marshal(robotPoints)
	if err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE calibrations SET active = 0 WHERE active = 1`); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`INSERT INTO calibrations (name, image_points, robot_points, active) VALUES (?, ?, ?, 1)`,
		name, string(img), string(rob))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActiveCalibration returns the active calibration set, or nil when none
// has been stored.
func (db *DB) ActiveCalibration() (*Calibration, error) {
	row := db.QueryRow(`SELECT id, name, image_points, robot_points, created_at
		FROM calibrations WHERE active = 1 ORDER BY id DESC LIMIT 1`)
	c, err := scanCalibration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (db *DB) ListCalibrations() ([]Calibration, error) {
	rows, err := db.Query(`SELECT id, name, image_points, robot_points, active, created_at
		FROM calibrations ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var c Calibration
		var img, rob, createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &img, &rob, &c.Active, &createdAt); err != nil {
			return nil, err
		}
		if err := unmarshalPoints(img, rob, &c); err != nil {
			return nil, err
		}
		c.CreatedAt = scanTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCalibration(row *sql.Row) (*Calibration, error) {
	var c Calibration
	var img, rob, createdAt string
	if err := row.Scan(&c.ID, &c.Name, &img, &rob, &createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalPoints(img, rob, &c); err != nil {
		return nil, err
	}
	c.Active = true
	c.CreatedAt = scanTime(createdAt)
	return &c, nil
}

func unmarshalPoints(img, rob string, c *Calibration) error {
	if err := json.Unmarshal([]byte(img), &c.ImagePoints); err != nil {
		return fmt.Errorf("decode image points: %w", err)
	}
	if err := json.Unmarshal([]byte(rob), &c.RobotPoints); err != nil {
		return fmt.Errorf("decode robot points: %w", err)
	}
	return nil
}
