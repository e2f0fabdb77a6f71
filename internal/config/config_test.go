package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(t.TempDir()))

	assert.Equal(t, "info", GetString("logLevel"))
	assert.True(t, GetBool("logPretty"))
	assert.Equal(t, ":8080", GetString("http.addr"))
	assert.Equal(t, "localhost", GetString("db.host"))
	assert.Equal(t, 5432, GetInt("db.port"))
	assert.Equal(t, "dispatchd", GetString("db.database"))
	assert.Equal(t, "", GetString("db.sqlitePath"))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
  "logLevel": "debug",
  "http": {"addr": ":9999"},
  "db": {"host": "db.internal", "sqlitePath": "/tmp/dispatchd.db"}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dispatchd.cfg.json"), []byte(cfg), 0o644))

	require.NoError(t, Load(dir))

	assert.Equal(t, "debug", GetString("logLevel"))
	assert.Equal(t, ":9999", GetString("http.addr"))
	assert.Equal(t, "db.internal", GetString("db.host"))
	assert.Equal(t, "/tmp/dispatchd.db", GetString("db.sqlitePath"))
	// untouched keys keep their defaults
	assert.Equal(t, "postgres", GetString("db.username"))
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dispatchd.cfg.json"), []byte("{not json"), 0o644))

	assert.Error(t, Load(dir))
}
