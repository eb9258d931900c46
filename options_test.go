package mlsclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	options := NewOptions()
	assert.Equal(t, 5*time.Second, options.SyncInterval)
	assert.Equal(t, 10*time.Second, options.CallTimeout)
	assert.Equal(t, 24*time.Hour, options.KeyPackageMaxAge)
}

func TestLoadOptionsFromDotenv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "MLS_RELAY_URL=https://relay.example.com\n" +
		"MLS_USER_ID=alice\n" +
		"MLS_SYNC_INTERVAL=30s\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MLS_RELAY_URL")
		os.Unsetenv("MLS_USER_ID")
		os.Unsetenv("MLS_SYNC_INTERVAL")
	})

	options, err := LoadOptions(envFile)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", options.RelayURL)
	assert.Equal(t, "alice", options.UserID)
	assert.Equal(t, 30*time.Second, options.SyncInterval)
	assert.Equal(t, 10*time.Second, options.CallTimeout, "unset vars keep defaults")
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestLoadOptionsBadDuration(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MLS_SYNC_INTERVAL=banana\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MLS_SYNC_INTERVAL") })

	_, err := LoadOptions(envFile)
	assert.Error(t, err)
}

func TestSaveDataRoundtrip(t *testing.T) {
	original := &SaveData{Timestamp: time.Now().Unix()}
	restored, err := LoadSaveData(original.Serialize())
	require.NoError(t, err)
	assert.Equal(t, original.Timestamp, restored.Timestamp)

	_, err = LoadSaveData([]byte("not json"))
	assert.Error(t, err)
}
