// package shared defines configuration, logging, persistence and error helpers used across the node
package shared

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the file written inside logging.file.path.
const LogFileName = "waveline.log"

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// NewNodeLogger builds the process logger from [LoggingConfig].
//
// Output always goes to stderr. When a file path is configured a rotating file is added.
// The returned closer releases the file and is never nil.
func NewNodeLogger(cfg LoggingConfig) (*log.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)

	if cfg.File.Path != "" {
		if err := os.MkdirAll(cfg.File.Path, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		maxSize, err := ParseByteSize(cfg.Logback.RollingPolicy.MaxFileSize)
		if err != nil {
			return nil, nil, err
		}

		rotating := &lumberjack.Logger{
			Filename: filepath.Join(cfg.File.Path, LogFileName),
			MaxSize:  maxSize,
			MaxAge:   cfg.Logback.RollingPolicy.MaxHistory,
			Compress: true,
		}
		w = io.MultiWriter(os.Stderr, rotating)
		closer = rotating
	}

	logger := NewLogger(w)

	level := cfg.Level.Node
	if level == "" {
		level = cfg.Level.Root
	}
	ll, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	SetLogLevel(logger, ll)

	return logger, closer, nil
}

// WithLogger creates a child [log.Logger] with the specified key-value pairs added to all log entries.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// ParseLevel maps config level names to [log.Level]. TRACE is treated as DEBUG and an empty name as INFO.
func ParseLevel(name string) (log.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE", "DEBUG":
		return log.DebugLevel, nil
	case "", "INFO":
		return log.InfoLevel, nil
	case "WARN", "WARNING":
		return log.WarnLevel, nil
	case "ERROR":
		return log.ErrorLevel, nil
	case "OFF", "FATAL":
		return log.FatalLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, name)
	}
}

// ParseByteSize converts sizes such as "1GB", "25MB" or "512KB" into whole megabytes, the unit lumberjack rotates on.
//
// Sizes below one megabyte round up to 1. An empty string yields 0, which lumberjack treats as its default.
func ParseByteSize(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	idx := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' })
	number, unit := s, "B"
	if idx >= 0 {
		number, unit = s[:idx], strings.TrimSpace(s[idx:])
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: invalid size %q", ErrInvalidConfig, s)
	}

	var mb float64
	switch unit {
	case "B":
		mb = value / (1024 * 1024)
	case "K", "KB":
		mb = value / 1024
	case "M", "MB":
		mb = value
	case "G", "GB":
		mb = value * 1024
	case "T", "TB":
		mb = value * 1024 * 1024
	default:
		return 0, fmt.Errorf("%w: invalid size unit %q", ErrInvalidConfig, unit)
	}

	if mb > 0 && mb < 1 {
		return 1, nil
	}
	return int(mb), nil
}

// LoadEnv loads a .env file into the process environment if it exists. Existing variables win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	var present []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// GenerateID generates a new v4 [uuid.UUID] as a string
func GenerateID() string {
	return uuid.New().String()
}

// NormalizeTrackKey builds a case and punctuation insensitive key from a title and author.
func NormalizeTrackKey(title, author string) string {
	normalize := func(s string) string {
		var b strings.Builder
		space := false
		for _, r := range strings.ToLower(s) {
			switch {
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				b.WriteRune(r)
				space = false
			case !space && b.Len() > 0:
				b.WriteRune(' ')
				space = true
			}
		}
		return strings.TrimSpace(b.String())
	}
	return normalize(title) + "|" + normalize(author)
}
