package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "4100", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5200, cfg.Deploy.BasePort)
	assert.Equal(t, 5, cfg.Deploy.ReleasesToKeep)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Crash.Interval)
	assert.Equal(t, 30, cfg.Janitor.LogRetentionDays)
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.Deploy.LocalMode)
	assert.Equal(t, "./.data", cfg.Deploy.RootDir)
	assert.Equal(t, ".data/builds", cfg.Deploy.BuildsDir)
	assert.Equal(t, ".data/nginx", cfg.Deploy.NginxSitesDir)
}

func TestLoadProductionDefaults(t *testing.T) {
	t.Setenv("DEPLOYCTL_SERVER_ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.Deploy.LocalMode)
	assert.Equal(t, "/var/lib/deployctl", cfg.Deploy.RootDir)
	assert.Equal(t, "/etc/systemd/system", cfg.Deploy.SystemdDir)
	assert.Equal(t, "/etc/nginx/conf.d", cfg.Deploy.NginxSitesDir)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("DEPLOYCTL_SERVER_PORT", "8080")
	t.Setenv("DEPLOYCTL_DEPLOY_LOCAL_MODE", "false")
	t.Setenv("DEPLOYCTL_AGENT_API_URL", "https://control.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.False(t, cfg.Deploy.LocalMode)
	assert.Equal(t, "https://control.example.com", cfg.Agent.APIURL)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DEPLOYCTL_DATABASE_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestGetDatabaseDSN(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "testuser",
			Password: "testpass",
			DBName:   "testdb",
			SSLMode:  "disable",
		},
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	assert.Equal(t, expected, cfg.GetDatabaseDSN())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Driver: "sqlite"},
		Deploy:   DeployConfig{BasePort: 64000, ReleasesToKeep: 5},
	}
	assert.Error(t, cfg.Validate())

	cfg.Deploy.BasePort = 5200
	assert.NoError(t, cfg.Validate())

	cfg.Deploy.ReleasesToKeep = 0
	assert.Error(t, cfg.Validate())
}
