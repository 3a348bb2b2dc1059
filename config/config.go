// Package config reads the settings of the producer, consumer and monitor
// from an optional TOML file and the command line. Flags win over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"framepipe/control"
	"framepipe/display"
)

const (
	DefaultShmName    = "/framepipe"
	DefaultSocketPath = "/tmp/framepipe.sock"
	DefaultOutputs    = "1920x1080@60"
)

// Duration is a time.Duration written as "2s" or "500ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Common settings shared by every binary.
type Common struct {
	Debug      bool   `toml:"debug"`
	LogFile    string `toml:"log_file"`
	ShmName    string `toml:"shm_name"`
	SocketPath string `toml:"socket"`
}

type Producer struct {
	Common
	PoolSize int      `toml:"pool_size"`
	BarWidth int      `toml:"bar_width"`
	BarSpeed int      `toml:"bar_speed"`
	IdleWait Duration `toml:"idle_wait"`
}

type Consumer struct {
	Common
	Outputs      string   `toml:"outputs"`
	Capacity     int      `toml:"capacity"`
	DrainTimeout Duration `toml:"drain_timeout"`
	StatsAddr    string   `toml:"stats_addr"`
	StatsWindow  int      `toml:"stats_window"`
	Splash       bool     `toml:"splash"`
	// Sixel and Text preview one output in the terminal, -1 disables them
	Sixel int `toml:"sixel"`
	Text  int `toml:"text"`
}

type Monitor struct {
	Common
	StatsAddr string   `toml:"stats_addr"`
	Interval  Duration `toml:"interval"`
}

func defaultCommon() Common {
	return Common{
		ShmName:    DefaultShmName,
		SocketPath: DefaultSocketPath,
	}
}

func DefaultProducer() *Producer {
	return &Producer{
		Common:   defaultCommon(),
		PoolSize: 15,
		BarWidth: 40,
		BarSpeed: 8,
		IdleWait: Duration{time.Millisecond},
	}
}

func DefaultConsumer() *Consumer {
	return &Consumer{
		Common:       defaultCommon(),
		Outputs:      DefaultOutputs,
		Capacity:     control.DefaultCapacity,
		DrainTimeout: Duration{2 * time.Second},
		StatsWindow:  100,
		Sixel:        -1,
		Text:         -1,
	}
}

func DefaultMonitor() *Monitor {
	return &Monitor{
		Common:   defaultCommon(),
		Interval: Duration{250 * time.Millisecond},
	}
}

// ShmPath is the file backing the control block.
func (c Common) ShmPath() string {
	return control.ShmPath(c.ShmName)
}

// configPath finds -config or --config in args without parsing the rest.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// load decodes a TOML file over the defaults in v.
func load(path string, v any) error {
	md, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("couldn't read config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown keys %v", path, undecoded)
	}
	return nil
}

func newFlagSet(name string, output io.Writer, c *Common) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.String("config", "", "Path to a TOML config file, flags override it")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug output")
	fs.StringVar(&c.LogFile, "logfile", c.LogFile, "Path to log file (optional, if not specified logs only go to console)")
	fs.StringVar(&c.ShmName, "shm", c.ShmName, "Shared memory name of the control block")
	fs.StringVar(&c.SocketPath, "socket", c.SocketPath, "Path of the buffer channel socket")

	// Handle both --flag and -flag formats
	fs.BoolVar(&c.Debug, "d", c.Debug, "Enable debug output (shorthand)")
	fs.StringVar(&c.LogFile, "l", c.LogFile, "Path to log file (shorthand)")
	return fs
}

func usage(fs *flag.FlagSet, examples ...string) func() {
	return func() {
		w := fs.Output()
		fmt.Fprintf(w, "Usage of %s:\n", fs.Name())
		fmt.Fprintf(w, "\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nDebug Levels:\n")
		fmt.Fprintf(w, "  DEBUG: Detailed information for debugging\n")
		fmt.Fprintf(w, "  INFO:  Normal operational messages\n")
		fmt.Fprintf(w, "  WARN:  Warning messages for potentially harmful situations\n")
		fmt.Fprintf(w, "  ERROR: Error messages for serious problems\n")
		fmt.Fprintf(w, "\nExamples:\n")
		for _, e := range examples {
			fmt.Fprintf(w, "  %s %s\n", fs.Name(), e)
		}
	}
}

func (c Common) validate() error {
	if c.ShmName == "" {
		return errors.New("shared memory name is empty")
	}
	if c.SocketPath == "" {
		return errors.New("socket path is empty")
	}
	return nil
}

func ParseProducer(args []string) (*Producer, error) {
	return parseProducer(args, os.Stderr)
}

func parseProducer(args []string, output io.Writer) (*Producer, error) {
	cfg := DefaultProducer()
	if path := configPath(args); path != "" {
		if err := load(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := newFlagSet("producer", output, &cfg.Common)
	fs.IntVar(&cfg.PoolSize, "pool", cfg.PoolSize, "Buffers per output")
	fs.IntVar(&cfg.BarWidth, "bar-width", cfg.BarWidth, "Width of the moving colour bar in pixels")
	fs.IntVar(&cfg.BarSpeed, "bar-speed", cfg.BarSpeed, "Pixels the bar moves per frame")
	fs.DurationVar(&cfg.IdleWait.Duration, "idle-wait", cfg.IdleWait.Duration, "Sleep while no output has credit")
	fs.Usage = usage(fs,
		"--debug --logfile /var/log/framepipe-producer.log",
		"-shm /framepipe -socket /tmp/framepipe.sock -pool 15",
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.BarWidth <= 0 || cfg.BarSpeed <= 0 {
		return nil, fmt.Errorf("bar width and speed must be positive, got %d and %d", cfg.BarWidth, cfg.BarSpeed)
	}
	if cfg.IdleWait.Duration <= 0 {
		return nil, fmt.Errorf("idle wait must be positive, got %v", cfg.IdleWait)
	}
	return cfg, nil
}

func ParseConsumer(args []string) (*Consumer, error) {
	return parseConsumer(args, os.Stderr)
}

func parseConsumer(args []string, output io.Writer) (*Consumer, error) {
	cfg := DefaultConsumer()
	if path := configPath(args); path != "" {
		if err := load(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := newFlagSet("consumer", output, &cfg.Common)
	fs.StringVar(&cfg.Outputs, "outputs", cfg.Outputs, "Virtual outputs, WxH[@Hz] separated by commas")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "Queue depth per output at which credit reaches zero")
	fs.DurationVar(&cfg.DrainTimeout.Duration, "drain-timeout", cfg.DrainTimeout.Duration, "Longest wait for outstanding flips at shutdown")
	fs.StringVar(&cfg.StatsAddr, "stats", cfg.StatsAddr, "Serve statistics on unix:/path or host:port")
	fs.IntVar(&cfg.StatsWindow, "stats-window", cfg.StatsWindow, "Flips per avg/min/max report")
	fs.BoolVar(&cfg.Splash, "splash", cfg.Splash, "Show the test pattern on every output at startup")
	fs.IntVar(&cfg.Sixel, "sixel", cfg.Sixel, "Preview this output id in the terminal with sixel graphics (-1 = off)")
	fs.IntVar(&cfg.Text, "text", cfg.Text, "Preview this output id in the terminal with half-block characters (-1 = off)")
	fs.Usage = usage(fs,
		"--outputs 1920x1080@60,1280x720@60 --splash",
		"-d -stats unix:/tmp/framepipe.stats -sixel 0",
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := ParseOutputs(cfg.Outputs); err != nil {
		return nil, err
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.DrainTimeout.Duration <= 0 {
		return nil, fmt.Errorf("drain timeout must be positive, got %v", cfg.DrainTimeout)
	}
	if cfg.Sixel >= 0 && cfg.Text >= 0 {
		return nil, errors.New("sixel and text previews are exclusive")
	}
	return cfg, nil
}

func ParseMonitor(args []string) (*Monitor, error) {
	return parseMonitor(args, os.Stderr)
}

func parseMonitor(args []string, output io.Writer) (*Monitor, error) {
	cfg := DefaultMonitor()
	if path := configPath(args); path != "" {
		if err := load(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := newFlagSet("framepipe", output, &cfg.Common)
	fs.StringVar(&cfg.StatsAddr, "stats", cfg.StatsAddr, "Consumer statistics address, unix:/path or host:port")
	fs.StringVar(&cfg.StatsAddr, "s", cfg.StatsAddr, "Consumer statistics address (shorthand)")
	fs.DurationVar(&cfg.Interval.Duration, "interval", cfg.Interval.Duration, "Refresh interval")
	fs.Usage = usage(fs,
		"-shm /framepipe",
		"-s unix:/tmp/framepipe.stats --interval 100ms",
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Interval.Duration <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}
	return cfg, nil
}

// ParseOutputs reads "1920x1080@60,1280x720" into virtual outputs numbered
// from 0. The refresh rate defaults to 60 Hz.
func ParseOutputs(list string) ([]display.Output, error) {
	var outs []display.Output
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mode, hz, hasHz := strings.Cut(part, "@")
		ws, hs, ok := strings.Cut(mode, "x")
		if !ok {
			return nil, fmt.Errorf("output %q: want WxH[@Hz]", part)
		}
		w, err := strconv.Atoi(ws)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("output %q: bad width", part)
		}
		h, err := strconv.Atoi(hs)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("output %q: bad height", part)
		}
		rate := 60
		if hasHz {
			rate, err = strconv.Atoi(hz)
			if err != nil || rate <= 0 {
				return nil, fmt.Errorf("output %q: bad refresh rate", part)
			}
		}
		outs = append(outs, display.Output{
			ID:        len(outs),
			Name:      fmt.Sprintf("virtual-%d", len(outs)),
			Width:     w,
			Height:    h,
			RefreshHz: rate,
		})
	}
	if len(outs) == 0 {
		return nil, errors.New("no outputs configured")
	}
	if len(outs) > control.MaxOutputs {
		return nil, fmt.Errorf("%d outputs configured, at most %d supported", len(outs), control.MaxOutputs)
	}
	return outs, nil
}
