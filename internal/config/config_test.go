package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Addr())
	assert.Equal(t, int64(512*1024), cfg.Relay.MaxMessageBytes)
	assert.Equal(t, 256, cfg.Relay.SendBuffer)
	assert.False(t, cfg.Log.Development)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Voice.STUNServers)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yml := `
server:
  host: 0.0.0.0
  port: 9000
relay:
  max_message_bytes: 1048576
log:
  development: true
voice:
  stun_servers:
    - stun:stun.example.com:3478
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodeweave.yml"), []byte(yml), 0o644))

	cfg, err := load(dir)

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, int64(1048576), cfg.Relay.MaxMessageBytes)
	assert.Equal(t, 256, cfg.Relay.SendBuffer, "unset keys keep defaults")
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.Voice.STUNServers)
}

func TestInvalidPortRejected(t *testing.T) {
	dir := t.TempDir()
	yml := "server:\n  port: 70000\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodeweave.yml"), []byte(yml), 0o644))

	_, err := load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestInvalidRelayLimitsRejected(t *testing.T) {
	dir := t.TempDir()
	yml := "relay:\n  max_message_bytes: 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodeweave.yml"), []byte(yml), 0o644))

	_, err := load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_message_bytes")
}

func TestMalformedYAMLRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodeweave.yml"), []byte("server: [oops"), 0o644))

	_, err := load(dir)

	require.Error(t, err)
}
