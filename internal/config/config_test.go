package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lexora.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func Test_Load_Defaults_When_File_Is_Missing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 14, cfg.Circulation.LoanPeriodDays)
	assert.Equal(t, 2, cfg.Circulation.MaxRenewals)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout())

	rate, err := cfg.DailyFineRate()
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func Test_Load_Reads_Yaml_File(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  path: /tmp/lexora.db
circulation:
  daily_fine_rate: "2.50"
  loan_period_days: 21
  timezone: UTC
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/lexora.db", cfg.Database.Path)
	assert.Equal(t, 21, cfg.Circulation.LoanPeriodDays)
	assert.Equal(t, 2, cfg.Circulation.MaxRenewals, "unset keys keep their default")

	rate, err := cfg.DailyFineRate()
	require.NoError(t, err)
	assert.Equal(t, "2.5", rate.String())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func Test_Load_Environment_Overrides_File(t *testing.T) {
	path := writeConfig(t, "circulation:\n  max_renewals: 5\n")
	t.Setenv("LEXORA_MAX_RENEWALS", "1")
	t.Setenv("LEXORA_DB_PATH", "env.db")
	t.Setenv("LEXORA_DAILY_FINE_RATE", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Circulation.MaxRenewals)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.Equal(t, "0.25", cfg.Circulation.DailyFineRate)
}

func Test_Load_Rejects_Invalid_Values(t *testing.T) {
	cases := map[string]string{
		"driver":      "database:\n  driver: postgres\n",
		"rate":        "circulation:\n  daily_fine_rate: abc\n",
		"negative":    "circulation:\n  daily_fine_rate: \"-1\"\n",
		"period":      "circulation:\n  loan_period_days: 0\n",
		"timezone":    "circulation:\n  timezone: Mars/Olympus\n",
		"attempts":    "retry:\n  max_attempts: 0\n",
		"log format":  "log:\n  format: xml\n",
		"log level":   "log:\n  level: loud\n",
		"broken yaml": "database: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func Test_Load_Rejects_Malformed_Env_Int(t *testing.T) {
	t.Setenv("LEXORA_RETRY_MAX_ATTEMPTS", "many")

	_, err := Load("")
	assert.ErrorContains(t, err, "LEXORA_RETRY_MAX_ATTEMPTS")
}
