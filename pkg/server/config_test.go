package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesAndReloadsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 4269, config.Server.TCPPort)
	require.FileExists(t, path)

	// The generated file round-trips to the same values.
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, config.Server, reloaded.Server)
	require.Equal(t, config.Timeouts, reloaded.Timeouts)
	require.Equal(t, config.Protocol, reloaded.Protocol)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	os.Setenv("CHATWIRE_SERVER_TCP_PORT", "5000")
	os.Setenv("CHATWIRE_TIMEOUTS_READ_TIMEOUT_SECONDS", "30")
	os.Setenv("CHATWIRE_PROTOCOL_SYMMETRIC_REASSEMBLY", "true")
	os.Setenv("CHATWIRE_EVENTS_AMQP_URL", "amqp://localhost:5672/")
	defer func() {
		os.Unsetenv("CHATWIRE_SERVER_TCP_PORT")
		os.Unsetenv("CHATWIRE_TIMEOUTS_READ_TIMEOUT_SECONDS")
		os.Unsetenv("CHATWIRE_PROTOCOL_SYMMETRIC_REASSEMBLY")
		os.Unsetenv("CHATWIRE_EVENTS_AMQP_URL")
	}()

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5000, config.Server.TCPPort)
	require.Equal(t, 30, config.Timeouts.ReadTimeoutSeconds)
	require.True(t, config.Protocol.SymmetricReassembly)
	require.Equal(t, "amqp://localhost:5672/", config.Events.AMQPURL)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ntcp_port = 5000\n"), 0o644))

	// A hand-written file that omits sections must not zero them out;
	// pm_pull_messages in particular defaults to true.
	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5000, config.Server.TCPPort)
	require.True(t, config.Protocol.PMPullMessages)
	require.Equal(t, DefaultTOMLConfig().Timeouts, config.Timeouts)
	require.Equal(t, "chatwire.events", config.Events.Exchange)
}

func TestToServerConfig(t *testing.T) {
	config := DefaultTOMLConfig()
	config.Server.TCPPort = 5001
	config.Timeouts.HeartbeatWaitSeconds = 10
	config.Protocol.FragmentDelayMs = 50
	config.Protocol.PMPullMessages = false

	cfg := config.ToServerConfig()
	require.Equal(t, 5001, cfg.TCPPort)
	require.Equal(t, 10*time.Second, cfg.HeartbeatWait)
	require.Equal(t, 100*time.Second, cfg.ReadTimeout)
	require.Equal(t, 50*time.Millisecond, cfg.FragmentDelay)
	require.False(t, cfg.PMPullMessages)
	require.Equal(t, "chatwire.events", cfg.AMQPExchange)
}
