// Package config handles loopd configuration loading and validation
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// LoopConfig describes one antenna loop selectable on the controller.
type LoopConfig struct {
	ID       int     `yaml:"id"`
	Name     string  `yaml:"name"`
	LowHz    float64 `yaml:"low_hz"`
	HighHz   float64 `yaml:"high_hz"`
	CalSteps int     `yaml:"cal_steps"`
}

// Config represents the complete loopd configuration
type Config struct {
	Serial struct {
		Device        string `yaml:"device"`
		BaudRate      int    `yaml:"baud_rate"`
		DataBits      int    `yaml:"data_bits"`
		StopBits      int    `yaml:"stop_bits"`
		Parity        string `yaml:"parity"`
		ReadTimeoutMs int    `yaml:"read_timeout_ms"`
		Simulate      bool   `yaml:"simulate"`
	} `yaml:"serial"`

	Controller struct {
		CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
		TickMs                int `yaml:"tick_ms"`
		LongRunningTicks      int `yaml:"long_running_ticks"`
		TransientTicks        int `yaml:"transient_ticks"`
		RunSegmentMs          int `yaml:"run_segment_ms"`
		DefaultSpeed          int `yaml:"default_speed"`
		HeartbeatSeconds      int `yaml:"heartbeat_seconds"`
	} `yaml:"controller"`

	Loops []LoopConfig `yaml:"loops"`

	Analyzer struct {
		Enabled     bool   `yaml:"enabled"`
		Device      string `yaml:"device"`
		BaudRate    int    `yaml:"baud_rate"`
		SweepPoints int    `yaml:"sweep_points"`
		SettleMs    int    `yaml:"settle_ms"`
		Simulate    bool   `yaml:"simulate"`
	} `yaml:"analyzer"`

	Relay struct {
		Enabled    bool `yaml:"enabled"`
		GPIOPin    int  `yaml:"gpio_pin"`
		ActiveHigh bool `yaml:"active_high"`
	} `yaml:"relay"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	Storage struct {
		DatabasePath   string `yaml:"database_path"`
		MaxSetsPerLoop int    `yaml:"max_sets_per_loop"`
	} `yaml:"storage"`

	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		TopicPrefix    string `yaml:"topic_prefix"`
		ClientID       string `yaml:"client_id"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		PublishSeconds int    `yaml:"publish_seconds"`
	} `yaml:"mqtt"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if config.Serial.BaudRate == 0 {
		config.Serial.BaudRate = 115200
	}
	if config.Serial.DataBits == 0 {
		config.Serial.DataBits = 8
	}
	if config.Serial.StopBits == 0 {
		config.Serial.StopBits = 1
	}
	if config.Serial.Parity == "" {
		config.Serial.Parity = "none"
	}
	if config.Serial.ReadTimeoutMs == 0 {
		config.Serial.ReadTimeoutMs = 100
	}

	if config.Controller.CommandTimeoutSeconds == 0 {
		config.Controller.CommandTimeoutSeconds = 3
	}
	if config.Controller.TickMs == 0 {
		config.Controller.TickMs = 500
	}
	if config.Controller.LongRunningTicks == 0 {
		config.Controller.LongRunningTicks = 240
	}
	if config.Controller.TransientTicks == 0 {
		// Must outlast a full retry cycle on the link so the tick
		// budget stays a backstop rather than the usual failure path.
		config.Controller.TransientTicks = 40
	}
	if config.Controller.RunSegmentMs == 0 {
		config.Controller.RunSegmentMs = 2000
	}
	if config.Controller.DefaultSpeed == 0 {
		config.Controller.DefaultSpeed = 50
	}
	if config.Controller.HeartbeatSeconds == 0 {
		config.Controller.HeartbeatSeconds = 30
	}

	if len(config.Loops) == 0 {
		config.Loops = []LoopConfig{
			{ID: 1, Name: "Loop 1"},
			{ID: 2, Name: "Loop 2"},
			{ID: 3, Name: "Loop 3"},
		}
	}
	for i := range config.Loops {
		if config.Loops[i].CalSteps == 0 {
			config.Loops[i].CalSteps = 20
		}
	}

	if config.Analyzer.BaudRate == 0 {
		config.Analyzer.BaudRate = 115200
	}
	if config.Analyzer.SweepPoints == 0 {
		config.Analyzer.SweepPoints = 101
	}
	if config.Analyzer.SettleMs == 0 {
		config.Analyzer.SettleMs = 300
	}

	if config.Web.Port == 0 {
		config.Web.Port = 8080
	}
	if config.Web.BindAddress == "" {
		config.Web.BindAddress = "0.0.0.0"
	}

	if config.Storage.DatabasePath == "" {
		config.Storage.DatabasePath = "./loopd.db"
	}
	if config.Storage.MaxSetsPerLoop == 0 {
		config.Storage.MaxSetsPerLoop = 25
	}

	if config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "loopd"
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "loopd"
	}
	if config.MQTT.PublishSeconds == 0 {
		config.MQTT.PublishSeconds = 60
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = 100
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 5
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = 30
	}

	return &config, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !c.Serial.Simulate && c.Serial.Device == "" {
		return fmt.Errorf("serial device is required (or set serial.simulate)")
	}

	switch c.Serial.Parity {
	case "none", "even", "odd":
	default:
		return fmt.Errorf("serial parity must be none, even or odd, got %q", c.Serial.Parity)
	}

	if c.Controller.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("controller command timeout must be positive")
	}
	if c.Controller.TickMs <= 0 {
		return fmt.Errorf("controller tick must be positive")
	}
	if c.Controller.DefaultSpeed < 0 || c.Controller.DefaultSpeed > 100 {
		return fmt.Errorf("controller default speed must be between 0 and 100")
	}

	seen := make(map[int]bool)
	for _, loop := range c.Loops {
		if loop.ID < 1 || loop.ID > 3 {
			return fmt.Errorf("loop id %d out of range (1-3)", loop.ID)
		}
		if seen[loop.ID] {
			return fmt.Errorf("duplicate loop id %d", loop.ID)
		}
		seen[loop.ID] = true
		if loop.LowHz < 0 || loop.HighHz < 0 {
			return fmt.Errorf("loop %d frequency limits must not be negative", loop.ID)
		}
		if loop.HighHz != 0 && loop.HighHz < loop.LowHz {
			return fmt.Errorf("loop %d high frequency below low frequency", loop.ID)
		}
	}

	if c.Analyzer.Enabled && !c.Analyzer.Simulate && c.Analyzer.Device == "" {
		return fmt.Errorf("analyzer device is required when analyzer is enabled")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port %d out of range", c.Web.Port)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}

	return nil
}

// CommandTimeout returns the per-attempt reply wait for controller commands.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Controller.CommandTimeoutSeconds) * time.Second
}

// Tick returns the activity supervision tick interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Controller.TickMs) * time.Millisecond
}

// SerialReadTimeout returns the serial port read timeout.
func (c *Config) SerialReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeoutMs) * time.Millisecond
}

// LoopByID returns the configuration for the given loop, if present.
func (c *Config) LoopByID(id int) (LoopConfig, bool) {
	for _, loop := range c.Loops {
		if loop.ID == id {
			return loop, true
		}
	}
	return LoopConfig{}, false
}

// LoopName returns a display name for the given loop number
func (c *Config) LoopName(id int) string {
	for _, loop := range c.Loops {
		if loop.ID == id && loop.Name != "" {
			return loop.Name
		}
	}
	return fmt.Sprintf("Loop %d", id)
}
