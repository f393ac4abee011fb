package models

import "time"

// InventoryRow is the local mirror of one panel server.
type InventoryRow struct {
	ID          string `json:"id"`
	ExternalID  int64  `json:"external_id"`
	Identifier  string `json:"identifier"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	Suspended   bool   `json:"suspended"`

	MemoryLimit     int64 `json:"memory_limit"`
	DiskLimit       int64 `json:"disk_limit"`
	CPULimit        int64 `json:"cpu_limit"`
	DatabaseLimit   int64 `json:"database_limit"`
	BackupLimit     int64 `json:"backup_limit"`
	AllocationLimit int64 `json:"allocation_limit"`

	NodeID          int64   `json:"node_id"`
	AllocationIP    *string `json:"allocation_ip"`
	AllocationPort  *int    `json:"allocation_port"`
	AllocationAlias *string `json:"allocation_alias"`

	NestID         int64             `json:"nest_id"`
	EggID          int64             `json:"egg_id"`
	DockerImage    string            `json:"docker_image"`
	StartupCommand string            `json:"startup_command"`
	Environment    map[string]string `json:"environment"`

	ExternalUserID *int64  `json:"external_user_id"`
	UserID         *string `json:"user_id"`

	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage int64   `json:"memory_usage"`
	DiskUsage   int64   `json:"disk_usage"`
	NetworkRx   int64   `json:"network_rx"`
	NetworkTx   int64   `json:"network_tx"`
	Uptime      int64   `json:"uptime"`

	LastSyncAt time.Time `json:"last_sync_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Status is the lifecycle state of a panel server.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// ValidStatuses is the set of allowed status values.
var ValidStatuses = map[Status]bool{
	StatusUnknown:  true,
	StatusOffline:  true,
	StatusStarting: true,
	StatusRunning:  true,
	StatusStopping: true,
}

// ParseStatus normalizes a raw panel status. A nil value means the panel
// did not report one and maps to offline; anything outside the lifecycle set
// (installing, suspended, transfer states) maps to unknown.
func ParseStatus(raw *string) Status {
	if raw == nil || *raw == "" {
		return StatusOffline
	}
	s := Status(*raw)
	if ValidStatuses[s] {
		return s
	}
	return StatusUnknown
}

var transitions = map[Status]map[Status]bool{
	StatusUnknown:  {StatusOffline: true, StatusStarting: true, StatusRunning: true, StatusStopping: true},
	StatusOffline:  {StatusStarting: true},
	StatusStarting: {StatusRunning: true, StatusOffline: true},
	StatusRunning:  {StatusStopping: true, StatusOffline: true},
	StatusStopping: {StatusOffline: true},
}

// CanTransition reports whether a server may move from one status to another
// without an intervening real observation.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// IsTransient reports whether s must converge on the next real poll.
func (s Status) IsTransient() bool {
	return s == StatusStarting || s == StatusStopping
}

// Resolve picks the status to present. A real observation always wins, so
// transients converge as soon as a live poll succeeds. Without one, a
// pending transient is kept if it is reachable from the stored status.
func Resolve(stored, pending Status, observed *Status) Status {
	if observed != nil {
		return *observed
	}
	if pending != "" && CanTransition(stored, pending) {
		return pending
	}
	if stored == "" {
		return StatusUnknown
	}
	return stored
}

// PowerSignals is the set of accepted power signals.
var PowerSignals = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
	"kill":    true,
}

// TransientFor returns the status a server passes through after signal.
// A restart reports its first phase.
func TransientFor(signal string) Status {
	switch signal {
	case "start":
		return StatusStarting
	case "stop", "kill", "restart":
		return StatusStopping
	}
	return ""
}
