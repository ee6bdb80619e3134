package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "push.queue", cfg.RabbitMQ.PushQueue)
	assert.Equal(t, time.Hour, cfg.Notifications.AppointmentLead)
	assert.Equal(t, 10*time.Minute, cfg.Notifications.FireClaimTTL)
	assert.Equal(t, 30*time.Second, cfg.Notifications.RetryBackoff)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Notifications.CatchUpWindow)
	assert.Equal(t, "redis", cfg.EventBus.Driver)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("NOTIFICATIONS_APPOINTMENT_LEAD", "30m")
	t.Setenv("EVENTBUS_DRIVER", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Notifications.AppointmentLead)
	assert.Equal(t, "memory", cfg.EventBus.Driver)
}
