package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	mu sync.Mutex `yaml:"-"`

	DatabasePath string `yaml:"database_path"`

	Arm         ArmConfig            `yaml:"arm"`
	Bins        map[string]BinConfig `yaml:"bins"`
	Calibration CalibrationConfig    `yaml:"calibration"`
	Workspace   WorkspaceConfig      `yaml:"workspace"`
	Sorter      SorterConfig         `yaml:"sorter"`
	Web         WebConfig            `yaml:"web"`
	Messaging   MessagingConfig      `yaml:"messaging"`
}

// ArmConfig selects and tunes the active arm driver.
type ArmConfig struct {
	Type     string `yaml:"type"` // "sim" or "gcode"
	Port     string `yaml:"port"` // empty = auto-discover
	BaudRate int    `yaml:"baud_rate"`

	SettleDelay  time.Duration `yaml:"settle_delay"`
	FeedRate     int           `yaml:"feed_rate"`
	DefaultSpeed float64       `yaml:"default_speed"` // 0-100

	// Sim driver tuning.
	TimeScale       float64 `yaml:"time_scale"`
	GrabSuccessRate float64 `yaml:"grab_success_rate"`
	Seed            int64   `yaml:"seed"` // 0 = time-seeded
	HistoryLimit    int     `yaml:"history_limit"`
}

// BinConfig maps a garbage category to a physical bin.
type BinConfig struct {
	ID    int     `yaml:"id"`
	Name  string  `yaml:"name"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Color string  `yaml:"color"`
}

// CalibrationConfig holds the image/robot point correspondences used to
// derive the homography at startup. A stored calibration set, if one exists,
// takes precedence.
type CalibrationConfig struct {
	ImagePoints [][2]float64 `yaml:"image_points"`
	RobotPoints [][2]float64 `yaml:"robot_points"`
}

// WorkspaceConfig is the rectangular reachable envelope in robot coordinates.
type WorkspaceConfig struct {
	XMin float64 `yaml:"x_min"`
	XMax float64 `yaml:"x_max"`
	YMin float64 `yaml:"y_min"`
	YMax float64 `yaml:"y_max"`
}

// SorterConfig tunes the detection debounce loop.
type SorterConfig struct {
	StableThreshold   int           `yaml:"stable_threshold"`
	PositionTolerance float64       `yaml:"position_tolerance"`
	PollRate          time.Duration `yaml:"poll_rate"`
	Selection         string        `yaml:"selection"` // "confidence" or "first"
	AutoStart         bool          `yaml:"auto_start"`
}

// WebConfig defines the web server settings.
type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
}

// MessagingConfig defines the messaging backend.
type MessagingConfig struct {
	Backend             string        `yaml:"backend"` // "mqtt" or "kafka"
	MQTT                MQTTConfig    `yaml:"mqtt"`
	Kafka               KafkaConfig   `yaml:"kafka"`
	DetectionsTopic     string        `yaml:"detections_topic"`
	OperationsTopic     string        `yaml:"operations_topic"`
	StatusTopic         string        `yaml:"status_topic"`
	StatusInterval      time.Duration `yaml:"status_interval"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// Defaults returns a Config with sane defaults. Bin positions and calibration
// points match the bench setup the system was commissioned on.
func Defaults() *Config {
	return &Config{
		DatabasePath: "sortarm.db",
		Arm: ArmConfig{
			Type:            "sim",
			BaudRate:        115200,
			SettleDelay:     2 * time.Second,
			FeedRate:        1000,
			DefaultSpeed:    50,
			TimeScale:       1.0,
			GrabSuccessRate: 0.9,
			HistoryLimit:    100,
		},
		Bins: map[string]BinConfig{
			"plastic":         {ID: 1, Name: "plastic recycling", X: 600, Y: 200, Z: 50, Color: "#3B82F6"},
			"banana":          {ID: 2, Name: "food waste", X: 600, Y: 100, Z: 50, Color: "#EAB308"},
			"beverages":       {ID: 3, Name: "bottle recycling", X: 600, Y: 0, Z: 50, Color: "#10B981"},
			"cardboard_box":   {ID: 4, Name: "cardboard recycling", X: 600, Y: -100, Z: 50, Color: "#F59E0B"},
			"chips":           {ID: 5, Name: "snack waste", X: 600, Y: -200, Z: 50, Color: "#EF4444"},
			"fish_bones":      {ID: 6, Name: "food waste 2", X: 500, Y: 200, Z: 50, Color: "#8B5CF6"},
			"instant_noodles": {ID: 7, Name: "packaging waste", X: 500, Y: 100, Z: 50, Color: "#F97316"},
			"milk_box_type1":  {ID: 8, Name: "carton recycling 1", X: 500, Y: 0, Z: 50, Color: "#06B6D4"},
			"milk_box_type2":  {ID: 9, Name: "carton recycling 2", X: 500, Y: -100, Z: 50, Color: "#84CC16"},
		},
		Calibration: CalibrationConfig{
			ImagePoints: [][2]float64{{0, 0}, {640, 0}, {640, 480}, {0, 480}},
			RobotPoints: [][2]float64{{91.3, -99.5}, {88.4, 35.5}, {205.7, 40.9}, {211.5, -120.2}},
		},
		Workspace: WorkspaceConfig{XMin: 0, XMax: 300, YMin: -150, YMax: 150},
		Sorter: SorterConfig{
			StableThreshold:   15,
			PositionTolerance: 1.0,
			PollRate:          100 * time.Millisecond,
			Selection:         "confidence",
			AutoStart:         true,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8081,
		},
		Messaging: MessagingConfig{
			Backend:             "mqtt",
			DetectionsTopic:     "sortarm/detections",
			OperationsTopic:     "sortarm/operations",
			StatusTopic:         "sortarm/status",
			StatusInterval:      10 * time.Second,
			OutboxDrainInterval: 5 * time.Second,
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "sortarm-edge",
			},
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Lock acquires the config mutex for multi-step mutations.
func (c *Config) Lock() { c.mu.Lock() }

// Unlock releases the config mutex.
func (c *Config) Unlock() { c.mu.Unlock() }
