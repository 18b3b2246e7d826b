package definition

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jabolina/go-branchcast/pkg/branchcast/types"
	"github.com/pkg/errors"
)

// Timer defaults. Tests shrink these through the configuration.
const (
	DefaultScanInterval      = 30 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultSyncInterval      = 10 * time.Second
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultReservationTTL    = 30 * time.Second
	DefaultConnectRetries    = 3
)

// DefaultConfiguration creates a configuration for the given
// branch with every timer on its default value and no peers.
func DefaultConfiguration(branch string, port int) *types.Configuration {
	return &types.Configuration{
		BranchID:          branch,
		PeerPort:          port,
		ScanInterval:      DefaultScanInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SyncInterval:      DefaultSyncInterval,
		AcquireTimeout:    DefaultAcquireTimeout,
		ReservationTTL:    DefaultReservationTTL,
		ConnectRetries:    DefaultConnectRetries,
		Logger:            NewDefaultLogger(branch),
	}
}

// ApplyTimerDefaults fills every non-positive timer with its
// default, so a sparse configuration never stalls a periodic
// task.
func ApplyTimerDefaults(configuration *types.Configuration) {
	if configuration.ScanInterval <= 0 {
		configuration.ScanInterval = DefaultScanInterval
	}
	if configuration.HeartbeatInterval <= 0 {
		configuration.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if configuration.SyncInterval <= 0 {
		configuration.SyncInterval = DefaultSyncInterval
	}
	if configuration.AcquireTimeout <= 0 {
		configuration.AcquireTimeout = DefaultAcquireTimeout
	}
	if configuration.ReservationTTL <= 0 {
		configuration.ReservationTTL = DefaultReservationTTL
	}
	if configuration.ConnectRetries == 0 {
		configuration.ConnectRetries = DefaultConnectRetries
	}
}

// File facing shape of the configuration. Timers are plain
// seconds, zero means the default.
type fileConfiguration struct {
	BranchID string              `toml:"branch_id"`
	BindHost string              `toml:"bind_host"`
	PeerPort int                 `toml:"peer_port"`
	Peers    []types.PeerAddress `toml:"peers"`
	Products []types.Product     `toml:"products"`

	ScanSec        int `toml:"scan_seconds"`
	HeartbeatSec   int `toml:"heartbeat_seconds"`
	SyncSec        int `toml:"sync_seconds"`
	AcquireSec     int `toml:"acquire_timeout_seconds"`
	ReservationSec int `toml:"reservation_ttl_seconds"`

	ConnectRetries uint64 `toml:"connect_retries"`
}

// LoadConfiguration reads a TOML file produced by the launcher,
// fills in defaults for anything left out and validates the
// result.
func LoadConfiguration(path string) (*types.Configuration, error) {
	var file fileConfiguration
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, errors.Wrapf(err, "reading configuration %s", path)
	}

	configuration := DefaultConfiguration(file.BranchID, file.PeerPort)
	configuration.BindHost = file.BindHost
	configuration.Peers = file.Peers
	configuration.Seed = file.Products
	if file.ScanSec > 0 {
		configuration.ScanInterval = time.Duration(file.ScanSec) * time.Second
	}
	if file.HeartbeatSec > 0 {
		configuration.HeartbeatInterval = time.Duration(file.HeartbeatSec) * time.Second
	}
	if file.SyncSec > 0 {
		configuration.SyncInterval = time.Duration(file.SyncSec) * time.Second
	}
	if file.AcquireSec > 0 {
		configuration.AcquireTimeout = time.Duration(file.AcquireSec) * time.Second
	}
	if file.ReservationSec > 0 {
		configuration.ReservationTTL = time.Duration(file.ReservationSec) * time.Second
	}
	if file.ConnectRetries > 0 {
		configuration.ConnectRetries = file.ConnectRetries
	}

	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	return configuration, nil
}
