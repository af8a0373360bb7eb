package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogByDayRotation(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2025, 12, 17, 23, 59, 0, 0, time.UTC)
	nowFunc = func() time.Time { return day }
	defer func() { nowFunc = time.Now }()

	require.NoError(t, Init(Config{Level: "debug", OutputFile: filepath.Join(dir, "intraday.log"), LogByDay: true, Quiet: true}))
	defer Close()
	assert.Equal(t, filepath.Join(dir, "intraday_2025-12-17.log"), GetCurrentLogFile())

	Infof("day one")
	require.NoError(t, CheckAndRotateLog())
	assert.Equal(t, filepath.Join(dir, "intraday_2025-12-17.log"), GetCurrentLogFile())

	day = day.Add(2 * time.Minute)
	require.NoError(t, CheckAndRotateLog())
	assert.Equal(t, filepath.Join(dir, "intraday_2025-12-18.log"), GetCurrentLogFile())

	_, err := os.Stat(filepath.Join(dir, "intraday_2025-12-17.log"))
	assert.NoError(t, err)
}

func TestDayFileName(t *testing.T) {
	assert.Equal(t, "bot_2025-01-02.log", dayFileName("bot.log", "2025-01-02"))
	assert.Equal(t, filepath.Join("logs", "bot_2025-01-02.log"), dayFileName("logs/bot.log", "2025-01-02"))
}
