package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("home")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "home", cfg.Context.ID)
	require.Equal(t, 10, cfg.Analytics.AverageWindow)
	require.Equal(t, 14, cfg.HorizonDays())
	require.Equal(t, 366, cfg.MaxWindowDays())
	cfg.Scheduler.HorizonDays = 60
	require.Equal(t, 600, cfg.MaxWindowDays())
	require.Equal(t, 15*time.Minute, cfg.Confirmation.TTL.Std())
	require.Equal(t, "#f59e0b", cfg.Calendar.Colors["morning"])
	require.Equal(t, []string{"01-01", "12-25"}, cfg.Holidays.Annual)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing context":   "store:\n  driver: sqlite\n",
		"postgres sans dsn": "context:\n  id: x\nstore:\n  driver: postgres\n",
		"unknown driver":    "context:\n  id: x\nstore:\n  driver: mysql\n",
		"hook without url":  "context:\n  id: x\nwebhooks:\n  - events: [completion.completed]\n",
		"bad duration":      "context:\n  id: x\nconfirmation:\n  ttl: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("office")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "office", cfg.Context.ID)
}
