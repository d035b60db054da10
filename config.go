package sbd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig holds the modem's serial link parameters.
type SerialConfig struct {
	Port      string        `yaml:"port"`
	BaudRate  int           `yaml:"baud_rate"`
	IOTimeout time.Duration `yaml:"io_timeout"`
}

// PowerConfig selects the GPIO line that enables the modem.
type PowerConfig struct {
	Chip   string        `yaml:"chip"`
	Line   int           `yaml:"line"`
	Settle time.Duration `yaml:"settle"`
}

// ModemConfig holds AT protocol timing.
type ModemConfig struct {
	CommandDelay   time.Duration `yaml:"command_delay"`   // pause between writing a command and reading its reply
	QuietGap       time.Duration `yaml:"quiet_gap"`       // silence that ends a reply with no final result code
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // wait for READY and for write result codes
	SessionSettle  time.Duration `yaml:"session_settle"`  // pause after AT+SBDIX before reading
	SessionTimeout time.Duration `yaml:"session_timeout"` // upper bound on the SBDIX reply
	SignalCommand  string        `yaml:"signal_command"`  // AT+CSQ or AT+CSQF
}

// SessionConfig tunes the signal gate and retry pacing of a call window.
type SessionConfig struct {
	GateWindow    int           `yaml:"gate_window"`
	GateThreshold int           `yaml:"gate_threshold"`
	RetryMin      time.Duration `yaml:"retry_min"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

// BurstConfig mirrors the sampling schedule that bounds each call window.
type BurstConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	BurstSeconds    int `yaml:"burst_seconds"`
}

// QueueConfig locates the outbound queue store.
type QueueConfig struct {
	Dir string `yaml:"dir"`
}

// PayloadConfig describes where payloads carry their sensor type.
type PayloadConfig struct {
	SensorTypeOffset int `yaml:"sensor_type_offset"`
}

// LogConfig configures the rotating log file. An empty File logs to stdout.
type LogConfig struct {
	Level      LogLevel `yaml:"level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	MaxAgeDays int      `yaml:"max_age_days"`
}

// Config is the complete telemetry configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Power   PowerConfig   `yaml:"power"`
	Modem   ModemConfig   `yaml:"modem"`
	Session SessionConfig `yaml:"session"`
	Burst   BurstConfig   `yaml:"burst"`
	Queue   QueueConfig   `yaml:"queue"`
	Payload PayloadConfig `yaml:"payload"`
	Log     LogConfig     `yaml:"log"`
}

// DefaultConfig returns the configuration of a RockBLOCK 9603 on a microSWIFT buoy.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  19200,
			IOTimeout: 10 * time.Second,
		},
		Power: PowerConfig{
			Chip:   "gpiochip0",
			Line:   16,
			Settle: 3 * time.Second,
		},
		Modem: ModemConfig{
			CommandDelay:   250 * time.Millisecond,
			QuietGap:       100 * time.Millisecond,
			WriteTimeout:   10 * time.Second,
			SessionSettle:  5 * time.Second,
			SessionTimeout: 60 * time.Second,
			SignalCommand:  CmdSignalQuality,
		},
		Session: SessionConfig{
			GateWindow:    3,
			GateThreshold: 3,
			RetryMin:      time.Second,
			RetryMax:      30 * time.Second,
		},
		Burst: BurstConfig{
			IntervalMinutes: 60,
			BurstSeconds:    1024,
		},
		Queue: QueueConfig{
			Dir: "/var/lib/microswift/sbd",
		},
		Payload: PayloadConfig{
			SensorTypeOffset: DefaultSensorTypeOffset,
		},
		Log: LogConfig{
			Level:      LevelInfo,
			MaxSizeMB:  10,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("sbd: failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("sbd: failed to parse config %s: %w", filename, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// CallDuration is the time available for sending between the end of one
// burst and the start of the next.
func (c Config) CallDuration() time.Duration {
	return time.Duration(c.Burst.IntervalMinutes)*time.Minute - time.Duration(c.Burst.BurstSeconds)*time.Second
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Serial.Port == "":
		return fmt.Errorf("sbd: config: serial.port is required")
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("sbd: config: serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	case c.Serial.IOTimeout <= 0:
		return fmt.Errorf("sbd: config: serial.io_timeout must be positive")
	case c.Modem.WriteTimeout <= 0 || c.Modem.SessionTimeout <= 0:
		return fmt.Errorf("sbd: config: modem timeouts must be positive")
	case c.Modem.SignalCommand != CmdSignalQuality && c.Modem.SignalCommand != CmdSignalQualityFast:
		return fmt.Errorf("sbd: config: modem.signal_command must be %s or %s, got %q", CmdSignalQuality, CmdSignalQualityFast, c.Modem.SignalCommand)
	case c.Session.GateWindow <= 0:
		return fmt.Errorf("sbd: config: session.gate_window must be positive, got %d", c.Session.GateWindow)
	case c.Session.GateThreshold < 0 || c.Session.GateThreshold > MaxSignalQuality:
		return fmt.Errorf("sbd: config: session.gate_threshold must be 0-%d, got %d", MaxSignalQuality, c.Session.GateThreshold)
	case c.Session.RetryMin <= 0 || c.Session.RetryMax < c.Session.RetryMin:
		return fmt.Errorf("sbd: config: session retry bounds invalid (%v, %v)", c.Session.RetryMin, c.Session.RetryMax)
	case c.CallDuration() <= 0:
		return fmt.Errorf("sbd: config: burst leaves no call window (%d min interval, %d s burst)", c.Burst.IntervalMinutes, c.Burst.BurstSeconds)
	case c.Queue.Dir == "":
		return fmt.Errorf("sbd: config: queue.dir is required")
	case c.Payload.SensorTypeOffset < 0:
		return fmt.Errorf("sbd: config: payload.sensor_type_offset must not be negative")
	}
	return nil
}
