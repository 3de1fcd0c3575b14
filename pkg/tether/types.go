package tether

import (
	"github.com/hyperengineering/tether/internal/audit"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/network"
	"github.com/hyperengineering/tether/internal/queue"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/transport"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/hyperengineering/tether/internal/validation"
)

type (
	Config            = config.Config
	PolicyConfig      = config.PolicyConfig
	Entity            = types.Entity
	Mutation          = types.Mutation
	OperationKind     = types.OperationKind
	PendingOperation  = types.PendingOperation
	DeadLetter        = types.DeadLetter
	ConnectivityState = types.ConnectivityState
	InterfaceKind     = types.InterfaceKind
	DataConflict      = types.DataConflict
	ConflictAudit     = types.ConflictAudit

	State     = tethersync.State
	StateKind = tethersync.StateKind
	Event     = tethersync.Event
	EventKind = tethersync.EventKind

	Transport      = transport.Transport
	Request        = transport.Request
	SnapshotSource = transport.SnapshotSource
	TokenRefresher = transport.TokenRefresher
	Prober         = network.Prober
	Archiver       = audit.Archiver

	// ValidationErrors is returned by Enqueue for a malformed mutation.
	ValidationErrors = validation.Errors
)

const (
	KindCompleteTask        = types.KindCompleteTask
	KindUploadPhotoMetadata = types.KindUploadPhotoMetadata
	KindUpdateProfile       = types.KindUpdateProfile

	StateIdle             = tethersync.StateIdle
	StateSyncing          = tethersync.StateSyncing
	StateOffline          = tethersync.StateOffline
	StateError            = tethersync.StateError
	StateConflictsPending = tethersync.StateConflictsPending

	EventDeadLettered        = tethersync.EventDeadLettered
	EventConflictResolved    = tethersync.EventConflictResolved
	EventOrphanedLocalChange = tethersync.EventOrphanedLocalChange
	EventSessionInvalid      = tethersync.EventSessionInvalid

	InterfaceWiFi     = types.InterfaceWiFi
	InterfaceCellular = types.InterfaceCellular
	InterfaceEthernet = types.InterfaceEthernet
	InterfaceOther    = types.InterfaceOther
)

var (
	ErrQueueFull = queue.ErrQueueFull
	ErrNotFound  = store.ErrNotFound
	ErrCorrupt   = store.ErrCorrupt
	ErrTimeout   = network.ErrTimeout
)

// Connected returns a connected state over kind, for hosts reporting
// OS-level reachability.
func Connected(kind InterfaceKind) ConnectivityState {
	return types.Connected(kind)
}

// Disconnected returns the disconnected state.
func Disconnected() ConnectivityState {
	return types.Disconnected()
}

// DefaultConfig returns a configuration holding only defaults.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig loads configuration from TETHER_CONFIG_PATH and the
// environment.
func LoadConfig() (*Config, error) {
	return config.Load()
}
