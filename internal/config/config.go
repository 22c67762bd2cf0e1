package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Engine   EngineConfig   `yaml:"engine"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Relay    RelayConfig    `yaml:"relay"`
	Button   ButtonConfig   `yaml:"button"`
}

type SerialConfig struct {
	// Device may be empty to auto-detect.
	Device string       `yaml:"device"`
	Baud   int          `yaml:"baud"`
	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable  bool    `yaml:"enable"`
	Path    string  `yaml:"path"`
	Speed   float64 `yaml:"speed"`
	Loop    bool    `yaml:"loop"`
	AutoAck bool    `yaml:"auto_ack"`
}

type EngineConfig struct {
	BufferCount      int           `yaml:"buffer_count"`
	BufferSize       int           `yaml:"buffer_size"`
	MaxVendorPayload int           `yaml:"max_vendor_payload"`
	RTCMBufferSize   int           `yaml:"rtcm_buffer_size"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	StreamCapacity   int           `yaml:"stream_capacity"`
	ErrorTailLines   int           `yaml:"error_tail_lines"`
}

type ReceiverConfig struct {
	ConfigureOnStart bool `yaml:"configure_on_start"`

	// SampleInterval is the NMEA output interval in seconds.
	SampleInterval int    `yaml:"sample_interval"`
	TalkerID       string `yaml:"talker_id"`

	Latitude      float64 `yaml:"latitude"`
	Longitude     float64 `yaml:"longitude"`
	Elevation     float64 `yaml:"elevation"`
	AntennaHeight float64 `yaml:"antenna_height"`

	RTK RTKConfig `yaml:"rtk"`
}

type RTKConfig struct {
	Mode           uint8   `yaml:"mode"`
	Function       uint8   `yaml:"function"`
	SurveyLength   uint32  `yaml:"survey_length"`
	StdDev         uint32  `yaml:"std_dev"`
	BaselineLength float32 `yaml:"baseline_length"`
}

type RelayConfig struct {
	Enable        bool     `yaml:"enable"`
	Dest          string   `yaml:"dest"`
	Kinds         []string `yaml:"kinds"`
	StreamOnStart bool     `yaml:"stream_on_start"`
}

type ButtonConfig struct {
	Enable   bool          `yaml:"enable"`
	GPIO     int           `yaml:"gpio"`
	Debounce time.Duration `yaml:"debounce"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.applySerial(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEngine(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyReceiver(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyRelay(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyButton(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applySerial() error {
	s := &cfg.Serial
	s.Device = strings.TrimSpace(s.Device)
	if s.Baud == 0 {
		s.Baud = 115200
	}
	if s.Baud < 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}

	if s.Record.Enable && s.Record.Path == "" {
		return fmt.Errorf("serial.record.path is required when serial.record.enable is true")
	}
	if s.Replay.Enable {
		if s.Replay.Path == "" {
			return fmt.Errorf("serial.replay.path is required when serial.replay.enable is true")
		}
		if s.Replay.Speed == 0 {
			s.Replay.Speed = 1
		}
		if s.Replay.Speed < 0 {
			return fmt.Errorf("serial.replay.speed must be > 0")
		}
	}
	if s.Record.Enable && s.Replay.Enable {
		return fmt.Errorf("serial.record and serial.replay cannot both be enabled")
	}
	return nil
}

func (cfg *Config) applyEngine() error {
	e := &cfg.Engine
	if e.BufferCount == 0 {
		e.BufferCount = 2
	}
	if e.BufferCount < 2 {
		return fmt.Errorf("engine.buffer_count must be >= 2")
	}
	if e.BufferSize == 0 {
		e.BufferSize = 512
	}
	if e.MaxVendorPayload == 0 {
		e.MaxVendorPayload = 512
	}
	if e.RTCMBufferSize == 0 {
		e.RTCMBufferSize = 1023
	}
	if e.BufferSize < 0 || e.MaxVendorPayload < 0 || e.RTCMBufferSize < 0 {
		return fmt.Errorf("engine buffer sizes must be > 0")
	}
	if e.MaxVendorPayload > 0xFFFF {
		return fmt.Errorf("engine.max_vendor_payload must be <= 65535")
	}
	if e.CommandTimeout == 0 {
		e.CommandTimeout = 100 * time.Millisecond
	}
	if e.CommandTimeout < 0 {
		return fmt.Errorf("engine.command_timeout must be > 0")
	}
	if e.StreamCapacity == 0 {
		e.StreamCapacity = 1024
	}
	if e.StreamCapacity < 0 {
		return fmt.Errorf("engine.stream_capacity must be > 0")
	}
	if e.ErrorTailLines == 0 {
		e.ErrorTailLines = 20
	}
	return nil
}

func (cfg *Config) applyReceiver() error {
	r := &cfg.Receiver
	if r.SampleInterval == 0 {
		r.SampleInterval = 1
	}
	if r.SampleInterval < 1 || r.SampleInterval > 255 {
		return fmt.Errorf("receiver.sample_interval must be within [1, 255]")
	}

	r.TalkerID = strings.ToUpper(strings.TrimSpace(r.TalkerID))
	if r.TalkerID == "" {
		r.TalkerID = "GN"
	}
	switch r.TalkerID {
	case "GP", "GN", "AUTO":
	default:
		return fmt.Errorf("receiver.talker_id must be GP, GN or AUTO")
	}

	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("receiver.latitude must be within [-90, 90]")
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("receiver.longitude must be within [-180, 180]")
	}
	if r.Elevation < -10000 || r.Elevation > 9000 {
		return fmt.Errorf("receiver.elevation must be within [-10000, 9000]")
	}
	if r.AntennaHeight < 0 {
		return fmt.Errorf("receiver.antenna_height must be >= 0")
	}

	if r.RTK.SurveyLength == 0 {
		r.RTK.SurveyLength = 60
	}
	if r.RTK.StdDev == 0 {
		r.RTK.StdDev = 3
	}
	if r.RTK.BaselineLength < 0 {
		return fmt.Errorf("receiver.rtk.baseline_length must be >= 0")
	}
	return nil
}

func (cfg *Config) applyRelay() error {
	r := &cfg.Relay
	if !r.Enable {
		return nil
	}
	if strings.TrimSpace(r.Dest) == "" {
		return fmt.Errorf("relay.dest is required when relay.enable is true")
	}
	if len(r.Kinds) == 0 {
		r.Kinds = []string{"rtcm", "raw"}
	}
	for _, k := range r.Kinds {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "rtcm", "vendor", "raw":
		default:
			return fmt.Errorf("relay.kinds has unknown kind %q", k)
		}
	}
	return nil
}

func (cfg *Config) applyButton() error {
	b := &cfg.Button
	if b.Debounce == 0 {
		b.Debounce = 50 * time.Millisecond
	}
	if b.Debounce < 0 {
		return fmt.Errorf("button.debounce must be > 0")
	}
	if b.Enable && b.GPIO <= 0 {
		return fmt.Errorf("button.gpio is required when button.enable is true")
	}
	return nil
}
