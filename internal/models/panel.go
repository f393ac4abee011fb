package models

import "time"

// ExternalServer is a server as returned by the panel's application API.
type ExternalServer struct {
	ID            int64            `json:"id"`
	ExternalID    *string          `json:"external_id"`
	UUID          string           `json:"uuid"`
	Identifier    string           `json:"identifier"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Status        *string          `json:"status"`
	Suspended     bool             `json:"suspended"`
	Limits        ServerLimits     `json:"limits"`
	FeatureLimits FeatureLimits    `json:"feature_limits"`
	User          *int64           `json:"user"`
	Node          int64            `json:"node"`
	Allocation    int64            `json:"allocation"`
	Nest          int64            `json:"nest"`
	Egg           int64            `json:"egg"`
	Container     Container        `json:"container"`
	Relationships *ServerRelations `json:"relationships,omitempty"`
}

// ServerLimits are raw panel units: MB for memory/swap/disk, percent for CPU.
type ServerLimits struct {
	Memory int64 `json:"memory"`
	Swap   int64 `json:"swap"`
	Disk   int64 `json:"disk"`
	IO     int64 `json:"io"`
	CPU    int64 `json:"cpu"`
}

// FeatureLimits caps the number of panel-side objects a server may own.
type FeatureLimits struct {
	Databases   int64 `json:"databases"`
	Allocations int64 `json:"allocations"`
	Backups     int64 `json:"backups"`
}

// Container describes the deployment image and environment.
type Container struct {
	StartupCommand string            `json:"startup_command"`
	Image          string            `json:"image"`
	Installed      int               `json:"installed"`
	Environment    map[string]string `json:"environment"`
}

// ServerRelations holds the relationships requested via ?include=.
type ServerRelations struct {
	Allocations *AllocationList `json:"allocations,omitempty"`
	Node        *NodeObject     `json:"node,omitempty"`
}

// AllocationList is the list envelope for allocations.
type AllocationList struct {
	Object string             `json:"object"`
	Data   []AllocationObject `json:"data"`
}

// AllocationObject is the object envelope for one allocation.
type AllocationObject struct {
	Object     string     `json:"object"`
	Attributes Allocation `json:"attributes"`
}

// Allocation is an ip:port binding assigned by the panel.
type Allocation struct {
	ID       int64   `json:"id"`
	IP       string  `json:"ip"`
	Alias    *string `json:"alias"`
	Port     int     `json:"port"`
	Notes    *string `json:"notes"`
	Assigned bool    `json:"assigned"`
}

// NodeObject is the object envelope for one node.
type NodeObject struct {
	Object     string `json:"object"`
	Attributes Node   `json:"attributes"`
}

// Node is a panel node (the daemon host a server lives on).
type Node struct {
	ID            int64          `json:"id"`
	UUID          string         `json:"uuid"`
	Public        bool           `json:"public"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	LocationID    int64          `json:"location_id"`
	FQDN          string         `json:"fqdn"`
	Scheme        string         `json:"scheme"`
	BehindProxy   bool           `json:"behind_proxy"`
	Maintenance   bool           `json:"maintenance_mode"`
	Memory        int64          `json:"memory"`
	Disk          int64          `json:"disk"`
	Relationships *NodeRelations `json:"relationships,omitempty"`
}

// NodeRelations holds node relationships requested via ?include=.
type NodeRelations struct {
	Allocations *AllocationList `json:"allocations,omitempty"`
}

// Resources is one resource snapshot for a server. Source is "live" when
// read from the panel and "simulated" when synthesized.
type Resources struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryBytes   int64     `json:"memory_bytes"`
	MemoryLimitMB int64     `json:"memory_limit_mb"`
	DiskBytes     int64     `json:"disk_bytes"`
	DiskLimitMB   int64     `json:"disk_limit_mb"`
	NetworkRx     int64     `json:"network_rx_bytes"`
	NetworkTx     int64     `json:"network_tx_bytes"`
	UptimeMs      int64     `json:"uptime_ms"`
	Source        string    `json:"source"`
	SampledAt     time.Time `json:"sampled_at"`
}

const (
	SourceLive      = "live"
	SourceSimulated = "simulated"
)

// LiveStatus is the read-path view of a server.
type LiveStatus struct {
	Identifier     string    `json:"identifier"`
	Status         Status    `json:"status"`
	Resources      Resources `json:"resources"`
	Source         string    `json:"source"`
	AllocationIP   *string   `json:"allocation_ip"`
	AllocationPort *int      `json:"allocation_port"`
}
