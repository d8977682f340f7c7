// Package config resolves settings shared by every devtrace command.
//
// Values come from, in order of precedence: command line flags, CDP_* environment variables, the
// rc file (JSON with comments) and defaults. A bad environment value or an unreadable rc file is
// logged and skipped, never fatal.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/devtrace/cdp"
	"github.com/guseggert/devtrace/internal/files"
	"github.com/guseggert/devtrace/internal/logging"
	"github.com/tidwall/jsonc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const RCFile = ".cdprc"

type Config struct {
	Host           string
	Port           int
	Timeout        time.Duration
	MaxMessageSize int64
	LogLevel       string
	LogFormat      string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	OutputDir      string
}

func Default() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           9222,
		Timeout:        cdp.DefaultCommandTimeout,
		MaxMessageSize: cdp.DefaultMaxMessageSize,
		LogLevel:       "info",
		LogFormat:      logging.FormatText,
		MaxRetries:     cdp.DefaultMaxRetries,
		BaseDelay:      cdp.DefaultBaseDelay,
		MaxDelay:       cdp.DefaultMaxDelay,
		OutputDir:      os.TempDir(),
	}
}

// Endpoint is the directory endpoint of the configured browser.
func (c *Config) Endpoint() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) ConnOptions() []cdp.Option {
	return []cdp.Option{
		cdp.WithCommandTimeout(c.Timeout),
		cdp.WithMaxMessageSize(c.MaxMessageSize),
		cdp.WithReconnect(c.MaxRetries, c.BaseDelay, c.MaxDelay),
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != logging.FormatText && c.LogFormat != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("unknown log format %q, must be one of [text,json]", c.LogFormat))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 || c.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry delays must be positive, got base %s max %s", c.BaseDelay, c.MaxDelay))
	} else if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay))
	}
	return errors.Join(errs...)
}

// rcFile mirrors the rc file. Durations are seconds.
type rcFile struct {
	Host       *string  `json:"host"`
	ChromePort *int     `json:"chrome_port"`
	Timeout    *float64 `json:"timeout"`
	MaxSize    *int64   `json:"max_size"`
	LogLevel   *string  `json:"log_level"`
	LogFormat  *string  `json:"log_format"`
	MaxRetries *int     `json:"max_retries"`
	BaseDelay  *float64 `json:"base_delay"`
	MaxDelay   *float64 `json:"max_delay"`
	OutputDir  *string  `json:"output_dir"`
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// LoadFile merges the rc file at path into c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var rc rcFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &rc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if rc.Host != nil {
		c.Host = *rc.Host
	}
	if rc.ChromePort != nil {
		c.Port = *rc.ChromePort
	}
	if rc.Timeout != nil {
		c.Timeout = seconds(*rc.Timeout)
	}
	if rc.MaxSize != nil {
		c.MaxMessageSize = *rc.MaxSize
	}
	if rc.LogLevel != nil {
		c.LogLevel = strings.ToLower(*rc.LogLevel)
	}
	if rc.LogFormat != nil {
		c.LogFormat = *rc.LogFormat
	}
	if rc.MaxRetries != nil {
		c.MaxRetries = *rc.MaxRetries
	}
	if rc.BaseDelay != nil {
		c.BaseDelay = seconds(*rc.BaseDelay)
	}
	if rc.MaxDelay != nil {
		c.MaxDelay = seconds(*rc.MaxDelay)
	}
	if rc.OutputDir != nil {
		c.OutputDir = *rc.OutputDir
	}
	return nil
}

// parseDuration accepts a Go duration ("15s") or a number of seconds ("15.5").
func parseDuration(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(f), nil
	}
	return time.ParseDuration(s)
}

// LoadEnv merges CDP_* variables into c, logging and skipping values that do not parse.
func (c *Config) LoadEnv(log *zap.SugaredLogger, lookup func(string) (string, bool)) {
	str := func(name string, dst *string, lower bool) {
		if v, ok := lookup(name); ok && v != "" {
			if lower {
				v = strings.ToLower(v)
			}
			*dst = v
		}
	}
	integer := func(name string, set func(int64)) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Warnw("ignoring invalid environment variable", "Name", name, "Value", v, "Error", err)
				return
			}
			set(n)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				log.Warnw("ignoring invalid environment variable", "Name", name, "Value", v, "Error", err)
				return
			}
			*dst = d
		}
	}

	str("CDP_HOST", &c.Host, false)
	integer("CDP_CHROME_PORT", func(n int64) { c.Port = int(n) })
	duration("CDP_TIMEOUT", &c.Timeout)
	integer("CDP_MAX_SIZE", func(n int64) { c.MaxMessageSize = n })
	str("CDP_LOG_LEVEL", &c.LogLevel, true)
	str("CDP_LOG_FORMAT", &c.LogFormat, true)
	integer("CDP_MAX_RETRIES", func(n int64) { c.MaxRetries = int(n) })
	duration("CDP_BASE_DELAY", &c.BaseDelay)
	duration("CDP_MAX_DELAY", &c.MaxDelay)
	str("CDP_OUTPUT_DIR", &c.OutputDir, false)
}

// Flag names shared by every command.
const (
	FlagConfig     = "config"
	FlagHost       = "host"
	FlagPort       = "port"
	FlagTimeout    = "timeout"
	FlagMaxSize    = "max-size"
	FlagLogLevel   = "log-level"
	FlagLogFormat  = "log-format"
	FlagMaxRetries = "max-retries"
	FlagOutputDir  = "output-dir"
	FlagQuiet      = "quiet"
	FlagVerbose    = "verbose"
)

// Flags are the global flags. Their defaults are left unset so that IsSet tells an explicit
// value apart from the lower layers.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: FlagConfig, Usage: "Path of the rc file. Defaults to the nearest " + RCFile + " above the working directory, then ~/" + RCFile + "."},
		&cli.StringFlag{Name: FlagHost, Usage: "Host of the browser's remote debugging endpoint. (default: 127.0.0.1)"},
		&cli.IntFlag{Name: FlagPort, Usage: "Remote debugging port. (default: 9222)"},
		&cli.DurationFlag{Name: FlagTimeout, Usage: "Timeout of each protocol command. (default: 30s)"},
		&cli.Int64Flag{Name: FlagMaxSize, Usage: "Largest accepted protocol message in bytes. (default: 2097152)"},
		&cli.StringFlag{Name: FlagLogLevel, Usage: "One of [debug,info,warn,error]. (default: info)"},
		&cli.StringFlag{Name: FlagLogFormat, Usage: "One of [text,json]. (default: text)"},
		&cli.IntFlag{Name: FlagMaxRetries, Usage: "Reconnection attempts after the connection drops. (default: 3)"},
		&cli.StringFlag{Name: FlagOutputDir, Usage: "Directory for artifacts. (default: the system temp dir)"},
		&cli.BoolFlag{Name: FlagQuiet, Aliases: []string{"q"}, Usage: "Only log errors."},
		&cli.BoolFlag{Name: FlagVerbose, Aliases: []string{"v"}, Usage: "Log debug output."},
	}
}

// LoadFlags merges explicitly set flags into c.
func (c *Config) LoadFlags(ctx *cli.Context) {
	if ctx.IsSet(FlagHost) {
		c.Host = ctx.String(FlagHost)
	}
	if ctx.IsSet(FlagPort) {
		c.Port = ctx.Int(FlagPort)
	}
	if ctx.IsSet(FlagTimeout) {
		c.Timeout = ctx.Duration(FlagTimeout)
	}
	if ctx.IsSet(FlagMaxSize) {
		c.MaxMessageSize = ctx.Int64(FlagMaxSize)
	}
	if ctx.IsSet(FlagLogLevel) {
		c.LogLevel = strings.ToLower(ctx.String(FlagLogLevel))
	}
	if ctx.IsSet(FlagLogFormat) {
		c.LogFormat = ctx.String(FlagLogFormat)
	}
	if ctx.IsSet(FlagMaxRetries) {
		c.MaxRetries = ctx.Int(FlagMaxRetries)
	}
	if ctx.IsSet(FlagOutputDir) {
		c.OutputDir = ctx.String(FlagOutputDir)
	}
}

// FindRCFile returns the nearest rc file at or above dir, else the one in home, else "".
func FindRCFile(dir, home string) string {
	if dir != "" {
		if p := files.FindUp(RCFile, dir); p != "" {
			return p
		}
	}
	if home != "" {
		p := filepath.Join(home, RCFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load resolves the configuration for a command invocation.
func Load(ctx *cli.Context, log *zap.SugaredLogger) (*Config, error) {
	c := Default()

	rcPath := ctx.String(FlagConfig)
	if rcPath == "" {
		wd, _ := os.Getwd()
		home, _ := os.UserHomeDir()
		rcPath = FindRCFile(wd, home)
	}
	if rcPath != "" {
		if err := c.LoadFile(rcPath); err != nil {
			log.Warnw("ignoring rc file", "Path", rcPath, "Error", err)
		} else {
			log.Debugw("loaded rc file", "Path", rcPath)
		}
	}
	c.LoadEnv(log, os.LookupEnv)
	c.LoadFlags(ctx)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}
