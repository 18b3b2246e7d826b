package definition

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
branch_id = "branch-1"
bind_host = "127.0.0.1"
peer_port = 9100
scan_seconds = 5
sync_seconds = 2

[[peers]]
id = "branch-2"
host = "10.0.0.2"
port = 9100

[[products]]
id = "P001"
name = "espresso beans"
category = "coffee"
price = 12.5
quantity = 10
min_stock = 3
`

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "branch.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfiguration(t *testing.T) {
	configuration, err := LoadConfiguration(write(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "branch-1", configuration.BranchID)
	assert.Equal(t, "127.0.0.1:9100", configuration.BindAddress())
	assert.Equal(t, 5*time.Second, configuration.ScanInterval)
	assert.Equal(t, 2*time.Second, configuration.SyncInterval)
	// Anything left out keeps the default.
	assert.Equal(t, DefaultHeartbeatInterval, configuration.HeartbeatInterval)
	assert.Equal(t, DefaultReservationTTL, configuration.ReservationTTL)
	assert.NotNil(t, configuration.Logger)

	require.Len(t, configuration.Peers, 1)
	assert.Equal(t, "10.0.0.2:9100", configuration.Peers[0].Address())
	require.Len(t, configuration.Seed, 1)
	assert.Equal(t, "P001", configuration.Seed[0].ID)
	assert.Equal(t, []string{"branch-2"}, configuration.PeerIDs())
}

func TestLoadConfiguration_Invalid(t *testing.T) {
	_, err := LoadConfiguration(write(t, `peer_port = 9100`))
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)

	_, err = LoadConfiguration(write(t, `branch_id = "branch-1"`))
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)

	_, err = LoadConfiguration(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDefaultLogger_SatisfiesInterface(t *testing.T) {
	var logger types.Logger = NewDefaultLogger("branch-1")
	logger.Infof("boot %s", "ok")
	assert.True(t, logger.ToggleDebug(true))
	logger.Debugf("visible now")
	assert.False(t, logger.ToggleDebug(false))
}
