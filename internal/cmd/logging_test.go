package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMaxSize(t *testing.T) {
	testCases := []struct {
		in      string
		name    string
		want    int
		wantErr bool
	}{{
		in:   "",
		name: "default",
		want: 20,
	}, {
		in:   "20m",
		name: "megabytes",
		want: 20,
	}, {
		in:   "1G",
		name: "gigabytes",
		want: 1024,
	}, {
		in:   "512k",
		name: "kilobytes_rounded_up",
		want: 1,
	}, {
		in:   "3145729",
		name: "bytes_rounded_up",
		want: 4,
	}, {
		in:      "m",
		name:    "no_number",
		wantErr: true,
	}, {
		in:      "-1m",
		name:    "negative",
		wantErr: true,
	}, {
		in:      "20mb",
		name:    "bad_suffix",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mb, err := parseMaxSize(tc.in)
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, mb)
		})
	}
}

func TestParseMaxFiles(t *testing.T) {
	testCases := []struct {
		in             string
		name           string
		wantMaxAge     int
		wantMaxBackups int
		wantErr        bool
	}{{
		in:         "",
		name:       "default",
		wantMaxAge: 14,
	}, {
		in:         "30d",
		name:       "days",
		wantMaxAge: 30,
	}, {
		in:             "10",
		name:           "files",
		wantMaxBackups: 10,
	}, {
		in:      "0d",
		name:    "zero",
		wantErr: true,
	}, {
		in:      "two weeks",
		name:    "not_a_number",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			maxAge, maxBackups, err := parseMaxFiles(tc.in)
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantMaxAge, maxAge)
			assert.Equal(t, tc.wantMaxBackups, maxBackups)
		})
	}
}

func TestLoggingConfig_filePath(t *testing.T) {
	testCases := []struct {
		conf loggingConfig
		name string
		want string
	}{{
		conf: loggingConfig{},
		name: "stdout",
		want: "",
	}, {
		conf: loggingConfig{File: "/var/log/snisocks.log", LogDir: "logs"},
		name: "file_wins",
		want: "/var/log/snisocks.log",
	}, {
		conf: loggingConfig{LogDir: "/var/log/snisocks"},
		name: "dir_only",
		want: filepath.Join("/var/log/snisocks", defaultLogFilename),
	}, {
		conf: loggingConfig{Filename: "app-%DATE%.log"},
		name: "date_placeholder",
		want: filepath.Join(defaultLogDir, "app.log"),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.conf.filePath())
		})
	}
}

func TestLoggingConfig_rotationPeriod(t *testing.T) {
	assert.Equal(t, 24*time.Hour, (&loggingConfig{}).rotationPeriod())
	assert.Equal(t, 24*time.Hour, (&loggingConfig{DatePattern: "YYYY-MM-DD"}).rotationPeriod())
	assert.Equal(t, time.Hour, (&loggingConfig{DatePattern: "YYYY-MM-DD-HH"}).rotationPeriod())
	assert.Equal(t, time.Minute, (&loggingConfig{DatePattern: "YYYY-MM-DD-HH-mm"}).rotationPeriod())
}

func TestNewLogOutput(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		w, l, err := newLogOutput(&loggingConfig{})
		require.NoError(t, err)

		assert.Nil(t, l)
		assert.Equal(t, os.Stdout, w)
	})

	t.Run("rotating_file", func(t *testing.T) {
		dir := t.TempDir()
		noConsole, zipped := false, false

		w, l, err := newLogOutput(&loggingConfig{
			LogToConsole:  &noConsole,
			ZippedArchive: &zipped,
			LogDir:        dir,
			Filename:      "snisocks-%DATE%.log",
			MaxSize:       "5m",
			MaxFiles:      "7",
		})
		require.NoError(t, err)
		require.NotNil(t, l)
		t.Cleanup(func() { _ = l.Close() })

		assert.Equal(t, filepath.Join(dir, "snisocks.log"), l.Filename)
		assert.Equal(t, 5, l.MaxSize)
		assert.Equal(t, 7, l.MaxBackups)
		assert.Zero(t, l.MaxAge)
		assert.False(t, l.Compress)
		assert.Same(t, l, w)

		_, err = io.WriteString(w, "test message\n")
		require.NoError(t, err)

		data, err := os.ReadFile(l.Filename)
		require.NoError(t, err)
		assert.Equal(t, "test message\n", string(data))
	})

	t.Run("console_by_default", func(t *testing.T) {
		w, l, err := newLogOutput(&loggingConfig{File: filepath.Join(t.TempDir(), "snisocks.log")})
		require.NoError(t, err)
		require.NotNil(t, l)
		t.Cleanup(func() { _ = l.Close() })

		assert.NotSame(t, l, w)
		assert.True(t, l.Compress)
		assert.Equal(t, 14, l.MaxAge)
		assert.Equal(t, 20, l.MaxSize)
	})

	t.Run("invalid", func(t *testing.T) {
		_, _, err := newLogOutput(&loggingConfig{File: "snisocks.log", MaxSize: "big"})
		require.Error(t, err)
	})
}
