package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"znp-host/internal/adapter"
	"znp-host/internal/provider"
	"znp-host/internal/znp"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	defaultPanID      = 0x1A62
	defaultExtPanID   = "DDDDDDDDDDDDDDDD"
	defaultNetworkKey = "01030507090B0D0F00020406080A0C0D"
)

type Config struct {
	ZNP struct {
		Connection     string `yaml:"connection"` // tcp://host:port or usb:///dev/ttyX
		Baud           int    `yaml:"baud"`
		DataBits       int    `yaml:"data_bits"`
		RequestTimeout string `yaml:"request_timeout"`
		QueueLimit     int    `yaml:"queue_limit"`
	} `yaml:"znp"`
	Network struct {
		PanID         uint16  `yaml:"pan_id"`
		ExtPanID      string  `yaml:"extended_pan_id"`
		Channels      []uint8 `yaml:"channels"`
		NetworkKey    string  `yaml:"network_key"`
		DistributeKey bool    `yaml:"distribute_key"`
	} `yaml:"network"`
	Executor struct {
		Workers int `yaml:"workers"`
	} `yaml:"executor"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		DeviceTopic string `yaml:"device_topic"`
		StatusTopic string `yaml:"status_topic"`
	} `yaml:"mqtt"`
	Scan struct {
		Connection string `yaml:"connection"`
	} `yaml:"scan"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        bool     `yaml:"metrics"`
	} `yaml:"web"`
	Script struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"script"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// Parsed by validate.
	requestTimeout time.Duration
	scriptTimeout  time.Duration
}

func parseTimeout(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, s)
	}
	return d, nil
}

func (c *Config) validate() error {
	// Commands that talk to the coprocessor check for a missing connection.
	if c.ZNP.Connection != "" {
		if _, err := znp.ParseConnectionURI(c.ZNP.Connection); err != nil {
			return fmt.Errorf("znp.connection: %w", err)
		}
	}
	var err error
	if c.requestTimeout, err = parseTimeout("znp.request_timeout", c.ZNP.RequestTimeout); err != nil {
		return err
	}
	if c.scriptTimeout, err = parseTimeout("script.timeout", c.Script.Timeout); err != nil {
		return err
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	for _, ch := range c.Network.Channels {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("network.channels must be 11-26, got %d", ch)
		}
	}
	if _, err := c.networkOptions(); err != nil {
		return err
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1, got %d", c.Executor.Workers)
	}
	if c.MQTT.Enabled {
		if _, err := provider.ParseBrokerURL(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
	}
	if c.Scan.Connection != "" {
		if _, err := znp.ParseConnectionURI(c.Scan.Connection); err != nil {
			return fmt.Errorf("scan.connection: %w", err)
		}
	}
	return nil
}

// networkOptions decodes the network section into commissioning parameters.
func (c *Config) networkOptions() (adapter.NetworkOptions, error) {
	opts := adapter.NetworkOptions{
		PanID:                c.Network.PanID,
		Channels:             c.Network.Channels,
		DistributeNetworkKey: c.Network.DistributeKey,
	}
	ext, err := decodeHex(c.Network.ExtPanID, 8)
	if err != nil {
		return opts, fmt.Errorf("network.extended_pan_id: %w", err)
	}
	for _, b := range ext {
		opts.ExtendedPanID = opts.ExtendedPanID<<8 | uint64(b)
	}
	key, err := decodeHex(c.Network.NetworkKey, 16)
	if err != nil {
		return opts, fmt.Errorf("network.network_key: %w", err)
	}
	copy(opts.NetworkKey[:], key)
	return opts, nil
}

func (c *Config) serialOptions() znp.SerialOptions {
	opts := znp.DefaultSerialOptions()
	opts.BaudRate = c.ZNP.Baud
	opts.DataBits = c.ZNP.DataBits
	return opts
}

// decodeHex accepts "0A1B", "0x0A1B" and "0A:1B" spellings.
func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("want %d bytes, got %d", size, len(b))
	}
	return b, nil
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Every setting has a default or a command-line override.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.ZNP.Baud == 0 {
		cfg.ZNP.Baud = 115200
	}
	if cfg.ZNP.DataBits == 0 {
		cfg.ZNP.DataBits = 8
	}
	if cfg.ZNP.RequestTimeout == "" {
		cfg.ZNP.RequestTimeout = "5s"
	}
	if cfg.ZNP.QueueLimit == 0 {
		cfg.ZNP.QueueLimit = 128
	}
	if cfg.Network.PanID == 0 {
		cfg.Network.PanID = defaultPanID
	}
	if cfg.Network.ExtPanID == "" {
		cfg.Network.ExtPanID = defaultExtPanID
	}
	if len(cfg.Network.Channels) == 0 {
		cfg.Network.Channels = []uint8{11}
	}
	if cfg.Network.NetworkKey == "" {
		cfg.Network.NetworkKey = defaultNetworkKey
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = 4
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "znp-host.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Script.Timeout == "" {
		cfg.Script.Timeout = "30s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// newLogger writes to w. Commands print their results on stdout, so logs go
// to stderr.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("znp-host", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "config.yaml", "path to the yaml config")
	connection := fs.String("connection", "", "override znp.connection")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	name := "help"
	if fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	cmd, ok := lookupCommand(name)
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command: %s\n", name)
		printUsage(stderr)
		return 1
	}
	if name == "help" {
		printUsage(stdout)
		return 0
	}
	cmdArgs := fs.Args()[1:]
	if len(cmdArgs) < cmd.minArgs {
		fmt.Fprintf(stderr, "Error: usage: znp-host %s %s\n", cmd.name, cmd.args)
		return 1
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}
	if *connection != "" {
		cfg.ZNP.Connection = *connection
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid config: %s\n", err)
		return 1
	}

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	logger.Debug("znp-host", "version", version, "command", name)

	a := &app{cfg: cfg, logger: logger, out: stdout}
	if err := cmd.run(context.Background(), a, cmdArgs); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		logger.Error("command failed", "command", name, "chain", strings.Join(znp.Chain(err), " <- "))
		return 1
	}
	return 0
}
