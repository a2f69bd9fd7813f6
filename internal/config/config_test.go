package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, defaultAdminTCPPort, cfg.Admin.TCPPort)
	assert.Equal(t, defaultSIPUDPPort, cfg.SIP.UDPPort)
	assert.Equal(t, defaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, defaultRedisSetName, cfg.Redis.SetName)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `<drachtio>
  <admin><tcp-port>7000</tcp-port><secret>s3cr3t</secret></admin>
  <sip><udp-port>6060</udp-port><external-ip>203.0.113.5</external-ip></sip>
  <cdrs><enabled>true</enabled></cdrs>
</drachtio>`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Admin.TCPPort)
	assert.Equal(t, "s3cr3t", cfg.Admin.Secret)
	assert.Equal(t, 6060, cfg.SIP.UDPPort)
	assert.Equal(t, "203.0.113.5", cfg.SIP.ExternalIP)
	assert.True(t, cfg.CDRs.Enabled)
	// untouched section keeps its default: TLS stays disabled
	assert.Equal(t, 0, cfg.Admin.TLSPort)
}

func TestLoadFlagOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `<drachtio><admin><tcp-port>7000</tcp-port></admin></drachtio>`)

	cfg, err := Load([]string{"-admin-tcp-port=8000"}, path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Admin.TCPPort)
}

func TestLoadEnvOverridesFileButNotFlag(t *testing.T) {
	path := writeConfigFile(t, `<drachtio><admin><tcp-port>7000</tcp-port></admin></drachtio>`)
	t.Setenv("DRACHTIO_ADMIN_TCP_PORT", "7500")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 7500, cfg.Admin.TCPPort)

	cfg, err = Load([]string{"-admin-tcp-port=8000"}, path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Admin.TCPPort, "explicit flag beats env var")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	_, err := Load([]string{"-sip-udp-port=70000"}, "")
	assert.Error(t, err)
}

func TestLoadRequiresTLSFilesWhenTLSPortSet(t *testing.T) {
	_, err := Load([]string{"-sip-tls-port=5061"}, "")
	assert.Error(t, err)

	cfg, err := Load([]string{"-sip-tls-port=5061", "-sip-tls-cert=a.pem", "-sip-tls-key=a.key"}, "")
	require.NoError(t, err)
	assert.Equal(t, 5061, cfg.SIP.TLSPort)
}

func TestLoadRejectsUnknownRequestHandlerMethod(t *testing.T) {
	_, err := Load([]string{"-request-handler-url=http://x", "-request-handler-method=PUT"}, "")
	assert.Error(t, err)
}

func TestRedisRefreshIntervalConversion(t *testing.T) {
	cfg, err := Load([]string{"-redis-refresh-secs=45"}, "")
	require.NoError(t, err)
	assert.Equal(t, 45_000_000_000, int(cfg.RedisRefreshInterval()))
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drachtio.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
