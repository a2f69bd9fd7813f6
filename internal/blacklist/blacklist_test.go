package blacklist

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBlacklistedAgainstManualSnapshot(t *testing.T) {
	b := New(zerolog.Nop(), Config{SetName: "blocked"})
	b.mu.Lock()
	b.snapshot = map[string]struct{}{"10.0.0.1": {}}
	b.mu.Unlock()

	assert.True(t, b.IsBlacklisted("10.0.0.1"))
	assert.False(t, b.IsBlacklisted("10.0.0.2"))
}

func TestResolveAddrWithoutSentinelUsesFirstConfiguredAddr(t *testing.T) {
	b := New(zerolog.Nop(), Config{Addrs: []string{"redis-a:6379", "redis-b:6379"}})
	addr, err := b.resolveAddr(nil)
	require.NoError(t, err)
	assert.Equal(t, "redis-a:6379", addr)
}

func TestResolveAddrWithoutSentinelOrAddrsErrors(t *testing.T) {
	b := New(zerolog.Nop(), Config{})
	_, err := b.resolveAddr(nil)
	assert.Error(t, err)
}

func TestParseSentinelReplicasExtractsIPAndPort(t *testing.T) {
	res := []interface{}{
		[]interface{}{"ip", "10.0.0.5", "port", "6379", "flags", "slave"},
		[]interface{}{"ip", "10.0.0.6", "port", "6380"},
	}
	addrs, err := parseSentinelReplicas(res)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5:6379", "10.0.0.6:6380"}, addrs)
}

func TestParseSentinelReplicasSkipsIncompleteEntries(t *testing.T) {
	res := []interface{}{
		[]interface{}{"flags", "slave"},
		[]interface{}{"ip", "10.0.0.7", "port", "6379"},
	}
	addrs, err := parseSentinelReplicas(res)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.7:6379"}, addrs)
}

func TestParseSentinelReplicasUnexpectedShape(t *testing.T) {
	_, err := parseSentinelReplicas("not a list")
	assert.Error(t, err)
}

func TestNewDefaultsRefreshInterval(t *testing.T) {
	b := New(zerolog.Nop(), Config{})
	assert.Equal(t, 30_000_000_000, int(b.cfg.RefreshInterval))
}
