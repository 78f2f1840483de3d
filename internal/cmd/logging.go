package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Defaults of the logging section.
const (
	defaultLogDir      = "logs"
	defaultLogFilename = "snisocks.log"
	defaultDatePattern = "YYYY-MM-DD"
	defaultMaxSize     = "20m"
	defaultMaxFiles    = "14d"
)

// dateToken is the placeholder of the date in the log file name.  Rotated
// files get their timestamp from lumberjack, so the placeholder is removed.
const dateToken = "%DATE%"

// filePath returns the path of the log file or an empty string if the log is
// only written to stdout.  file takes precedence over log_dir and filename.
func (c *loggingConfig) filePath() (path string) {
	if c.File != "" {
		return c.File
	}

	if c.LogDir == "" && c.Filename == "" {
		return ""
	}

	dir := c.LogDir
	if dir == "" {
		dir = defaultLogDir
	}

	name := c.Filename
	if name == "" {
		name = defaultLogFilename
	}
	name = strings.ReplaceAll(name, "-"+dateToken, "")
	name = strings.ReplaceAll(name, dateToken, "")

	return filepath.Join(dir, name)
}

// rotationPeriod returns how often the log file is rotated regardless of its
// size.  The period is the smallest unit of date_pattern, moment.js style.
func (c *loggingConfig) rotationPeriod() (d time.Duration) {
	pattern := c.DatePattern
	if pattern == "" {
		pattern = defaultDatePattern
	}

	switch {
	case strings.Contains(pattern, "mm"):
		return time.Minute
	case strings.Contains(pattern, "HH"), strings.Contains(pattern, "hh"):
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// validate checks the rotation settings.
func (c *loggingConfig) validate() (err error) {
	if _, err = parseMaxSize(c.MaxSize); err != nil {
		return fmt.Errorf("logging.max_size: %w", err)
	}

	if _, _, err = parseMaxFiles(c.MaxFiles); err != nil {
		return fmt.Errorf("logging.max_files: %w", err)
	}

	return nil
}

// newLogOutput returns the writer for [log.SetOutput].  l is nil if the log
// is only written to stdout, otherwise it is the rotating log file the caller
// must close.
func newLogOutput(c *loggingConfig) (w io.Writer, l *lumberjack.Logger, err error) {
	path := c.filePath()
	if path == "" {
		return os.Stdout, nil, nil
	}

	maxSize, err := parseMaxSize(c.MaxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("cmd: logging.max_size: %w", err)
	}

	maxAge, maxBackups, err := parseMaxFiles(c.MaxFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("cmd: logging.max_files: %w", err)
	}

	l = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   c.ZippedArchive == nil || *c.ZippedArchive,
	}

	if c.LogToConsole == nil || *c.LogToConsole {
		return io.MultiWriter(os.Stdout, l), l, nil
	}

	return l, l, nil
}

// rotateLog rotates l at every boundary of period.  It never returns.
func rotateLog(l *lumberjack.Logger, period time.Duration) {
	for {
		now := time.Now()
		time.Sleep(now.Truncate(period).Add(period).Sub(now))

		err := l.Rotate()
		if err != nil {
			log.Error("cmd: rotating log file: %s", err)
		}
	}
}

// parseMaxSize parses the maximum size of a log file written as a number of
// bytes with an optional k, m or g suffix and returns it in megabytes, the
// unit of lumberjack.  The result is never less than one megabyte.
func parseMaxSize(s string) (mb int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = defaultMaxSize
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	} else if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}

	const megabyte = 1 << 20
	mb = int((n*mult + megabyte - 1) / megabyte)

	return mb, nil
}

// parseMaxFiles parses the retention of rotated log files.  A number with the
// d suffix is the number of days to keep them, a plain number is the number
// of files to keep.
func parseMaxFiles(s string) (maxAge, maxBackups int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = defaultMaxFiles
	}

	days := strings.HasSuffix(s, "d")
	n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
	if err != nil {
		return 0, 0, err
	} else if n <= 0 {
		return 0, 0, fmt.Errorf("retention must be positive, got %d", n)
	}

	if days {
		return n, 0, nil
	}

	return 0, n, nil
}
