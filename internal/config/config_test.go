package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 4, cfg.Scan.Workers)
	assert.Equal(t, 256, cfg.Scan.MaxDepth)
	assert.Equal(t, "droidscan_analysis", cfg.RabbitMQ.Queue)
	assert.Equal(t, filepath.Join("conf", "kit.conf"), cfg.Rules.Path(cfg.Rules.Kit))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
scan:
  workers: 8
  no_kit_exception: true
rules:
  dir: /etc/droidscan
  arm: /opt/arm.conf
watcher:
  enabled: true
  settle_seconds: 5
`), 0o644))

	t.Setenv("DROIDSCAN_SCAN_MAX_DEPTH", "12")
	t.Setenv("MYSQL_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scan.Workers)
	assert.True(t, cfg.Scan.NoKitException)
	assert.Equal(t, 12, cfg.Scan.MaxDepth)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "/etc/droidscan/wide.conf", cfg.Rules.Path(cfg.Rules.Wide))
	assert.Equal(t, "/opt/arm.conf", cfg.Rules.Path(cfg.Rules.Arm))
	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, int64(5), int64(cfg.Watcher.SettleDelay().Seconds()))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	logger = InitLogger(&LogConfig{Level: "bogus"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
