package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("test")
	require.NotNil(t, l)
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Warnf("warn")
	l.Errorf("error")
}

func TestConfigureFileAndLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prev)
		require.NoError(t, Configure(Config{}))
	})
	path := filepath.Join(t.TempDir(), "vpp.log")
	require.NoError(t, Configure(Config{Level: "warn", Format: "json", File: path, MaxSizeMB: 1}))

	l := New("scheduler")
	l.Infof("hidden")
	l.Warnf("event %d late", 4)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, "event 4 late")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestConfigureRejectsBadValues(t *testing.T) {
	assert.Error(t, Configure(Config{Level: "loud"}))
	assert.Error(t, Configure(Config{Format: "xml"}))
}
