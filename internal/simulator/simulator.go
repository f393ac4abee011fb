// Package simulator synthesizes resource readings for servers whose live
// telemetry cannot be read. Output is always tagged as simulated.
package simulator

import (
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tphummel/panel_sync/internal/models"
)

const (
	CPUMin = 15.0
	CPUMax = 85.0

	mb = 1 << 20

	defaultMemoryMB = 1024
	defaultDiskMB   = 10240
)

// diskEpoch anchors the slow disk growth curve.
var diskEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Input identifies the server being simulated.
type Input struct {
	ExternalID    int64
	MemoryLimitMB int64
	DiskLimitMB   int64
	Suspended     bool
}

// InputFor builds an Input from an inventory row.
func InputFor(row *models.InventoryRow) Input {
	return Input{
		ExternalID:    row.ExternalID,
		MemoryLimitMB: row.MemoryLimit,
		DiskLimitMB:   row.DiskLimit,
		Suspended:     row.Suspended,
	}
}

// Simulator produces smooth, per-server stable readings: a baseline fixed
// by the external id, a sine wave over wall-clock time, and a small jitter.
type Simulator struct {
	// Period of the CPU/memory oscillation.
	Period time.Duration
	// BurstWindow is the length of each network burst or idle window.
	BurstWindow time.Duration
	// JitterCPU bounds the CPU jitter in percentage points.
	JitterCPU float64
	// Jitter returns a value in [-1, 1]. Nil uses math/rand/v2.
	Jitter func() float64
}

// New returns a Simulator with the default shape.
func New() *Simulator {
	return &Simulator{
		Period:      90 * time.Second,
		BurstWindow: 20 * time.Second,
		JitterCPU:   2,
	}
}

func (s *Simulator) jitter() float64 {
	if s.Jitter != nil {
		return clamp(s.Jitter(), -1, 1)
	}
	return rand.Float64()*2 - 1
}

// Resources returns a simulated reading for in at now.
func (s *Simulator) Resources(in Input, now time.Time) models.Resources {
	memLimit := in.MemoryLimitMB
	if memLimit <= 0 {
		memLimit = defaultMemoryMB
	}
	diskLimit := in.DiskLimitMB
	if diskLimit <= 0 {
		diskLimit = defaultDiskMB
	}

	out := models.Resources{
		MemoryLimitMB: memLimit,
		DiskLimitMB:   diskLimit,
		Source:        models.SourceSimulated,
		SampledAt:     now.UTC(),
	}

	b := Baseline(in.ExternalID)
	out.DiskBytes = diskBytes(b, diskLimit, now)
	if in.Suspended {
		return out
	}

	wave := s.wave(b, now)

	cpuCenter := 25 + b*40
	out.CPUPercent = round2(clamp(cpuCenter+12*wave+s.JitterCPU*s.jitter(), CPUMin, CPUMax))

	memFrac := 0.35 + 0.3*b + 0.05*wave + 0.01*s.jitter()
	out.MemoryBytes = int64(clamp(memFrac, 0, 1) * float64(memLimit) * mb)

	out.NetworkRx, out.NetworkTx = s.network(b, now)
	out.UptimeMs = uptime(b, now).Milliseconds()
	return out
}

// Baseline maps an external id to a stable value in [0, 1).
func Baseline(externalID int64) float64 {
	h := xxhash.Sum64String(strconv.FormatInt(externalID, 10))
	return float64(h>>11) / float64(1<<53)
}

func (s *Simulator) wave(b float64, now time.Time) float64 {
	period := s.Period
	if period <= 0 {
		period = 90 * time.Second
	}
	phase := 2 * math.Pi * b
	t := float64(now.UnixMilli()) / float64(period.Milliseconds())
	return math.Sin(2*math.Pi*t + phase)
}

// network alternates between burst and idle windows. Which parity bursts
// depends on the baseline so servers do not all burst together.
func (s *Simulator) network(b float64, now time.Time) (rx, tx int64) {
	window := s.BurstWindow
	if window <= 0 {
		window = 20 * time.Second
	}
	slot := now.UnixMilli() / window.Milliseconds()
	offset := int64(b * 2)
	burst := (slot+offset)%2 == 0

	base := 2048 + b*4096
	if burst {
		base *= 40
	}
	j := 1 + 0.1*s.jitter()
	rx = int64(base * j)
	tx = int64(base * 0.6 * j)
	return rx, tx
}

// diskBytes grows monotonically with time since diskEpoch and approaches,
// but never exceeds, 80% of the limit.
func diskBytes(b float64, limitMB int64, now time.Time) int64 {
	start := 0.2 + 0.3*b
	days := now.Sub(diskEpoch).Hours() / 24
	if days < 0 {
		days = 0
	}
	growth := (0.8 - start) * (days / (days + 365))
	return int64((start + growth) * float64(limitMB) * mb)
}

// uptime cycles over a per-server restart interval of one to two weeks.
func uptime(b float64, now time.Time) time.Duration {
	cycle := time.Duration((7 + 7*b) * float64(24*time.Hour))
	since := now.Sub(diskEpoch)
	if since < 0 {
		return 0
	}
	return since % cycle
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
