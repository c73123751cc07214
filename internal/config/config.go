// Package config loads the per-role YAML records handed to each binary as
// its single positional argument. Validation is semantic only: ranges, enum
// values and folder existence. Any failure here is a startup failure and the
// caller exits with code 1.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"gopkg.in/yaml.v3"
)

// ErrConfig wraps every load/validation failure.
var ErrConfig = errors.New("config")

// Endpoint is an ip:port pair as two YAML fields.
type Endpoint struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// Addr renders the endpoint as host:port.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.IP, strconv.Itoa(e.Port)) }

func (e Endpoint) validate(name string) error {
	if e.IP == "" {
		return fmt.Errorf("%w: %s.ip is empty", ErrConfig, name)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: %s.port out of range: %d", ErrConfig, name, e.Port)
	}
	return nil
}

// LoggingInfo selects the slog handler.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (l LoggingInfo) validate() error {
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: invalid log format: %s", ErrConfig, l.Format)
	}
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level: %s", ErrConfig, l.Level)
	}
	return nil
}

// Coordinator is the Gotham record: two listeners, one for each peer class.
type Coordinator struct {
	ClientEndpoint  Endpoint      `yaml:"client_endpoint"`
	WorkerEndpoint  Endpoint      `yaml:"worker_endpoint"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogMetricsEvery time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable      bool          `yaml:"mdns_enable"`
	MDNSName        string        `yaml:"mdns_name"`
	Logging         LoggingInfo   `yaml:"logging"`
}

// Client is the Fleck record.
type Client struct {
	Username    string        `yaml:"username"`
	LocalFolder string        `yaml:"local_folder"`
	Coordinator Endpoint      `yaml:"coordinator"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	StreamRate  int           `yaml:"stream_rate"` // bytes/sec, 0 = unpaced
	Logging     LoggingInfo   `yaml:"logging"`
}

// Worker is the Enigma/Harley record.
type Worker struct {
	Coordinator Endpoint      `yaml:"coordinator"`
	Listen      Endpoint      `yaml:"listen"`
	SaveFolder  string        `yaml:"save_folder"`
	Class       string        `yaml:"class"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	StreamRate  int           `yaml:"stream_rate"` // bytes/sec, 0 = unpaced
	Logging     LoggingInfo   `yaml:"logging"`
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	return nil
}

func requireDir(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s does not exist: %s", ErrConfig, name, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory: %s", ErrConfig, name, path)
	}
	return nil
}

// LoadCoordinator reads and validates the coordinator record.
func LoadCoordinator(path string) (*Coordinator, error) {
	var c Coordinator
	if err := load(path, &c); err != nil {
		return nil, err
	}
	if err := c.ClientEndpoint.validate("client_endpoint"); err != nil {
		return nil, err
	}
	if err := c.WorkerEndpoint.validate("worker_endpoint"); err != nil {
		return nil, err
	}
	if c.Heartbeat < 0 {
		return nil, fmt.Errorf("%w: heartbeat must be positive", ErrConfig)
	}
	if err := c.Logging.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadClient reads and validates the client record. The username is
// sanitized against the payload delimiter before anything else sees it.
func LoadClient(path string) (*Client, error) {
	var c Client
	if err := load(path, &c); err != nil {
		return nil, err
	}
	c.Username = frame.SanitizeName(c.Username)
	if c.Username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrConfig)
	}
	if err := requireDir("local_folder", c.LocalFolder); err != nil {
		return nil, err
	}
	if err := c.Coordinator.validate("coordinator"); err != nil {
		return nil, err
	}
	if c.Heartbeat < 0 || c.StreamRate < 0 {
		return nil, fmt.Errorf("%w: heartbeat and stream_rate must be positive", ErrConfig)
	}
	if err := c.Logging.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWorker reads and validates the worker record.
func LoadWorker(path string) (*Worker, error) {
	var w Worker
	if err := load(path, &w); err != nil {
		return nil, err
	}
	if err := w.Coordinator.validate("coordinator"); err != nil {
		return nil, err
	}
	if err := w.Listen.validate("listen"); err != nil {
		return nil, err
	}
	if err := requireDir("save_folder", w.SaveFolder); err != nil {
		return nil, err
	}
	if !frame.ValidClass(w.Class) {
		return nil, fmt.Errorf("%w: unknown class: %q", ErrConfig, w.Class)
	}
	if w.Heartbeat < 0 || w.StreamRate < 0 {
		return nil, fmt.Errorf("%w: heartbeat and stream_rate must be positive", ErrConfig)
	}
	if err := w.Logging.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}
