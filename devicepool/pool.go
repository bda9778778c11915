package devicepool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/freundallein/enroller/chassis/logging"
	"github.com/freundallein/enroller/chassis/metrics"
	"github.com/freundallein/enroller/control"
)

// ErrNoDeviceAvailable - admission timed out before any device freed up.
var ErrNoDeviceAvailable = errors.New("no device available")

// Config ...
type Config struct {
	Devices            []string
	AdmissionTimeout   time.Duration
	HealthInterval     time.Duration
	QuarantineCooldown time.Duration
	MaxHealthFailures  int
}

// Pool owns the bounded device set. Allocation is the sole mutual-exclusion
// boundary between attempts: a device is held by at most one attempt at a
// time, enforced by the free channel.
type Pool struct {
	cfg    Config
	client control.Client

	mu      sync.Mutex
	devices map[string]*Device
	free    chan string
}

// New ...
func New(client control.Client, cfg Config) *Pool {
	p := &Pool{
		cfg:     cfg,
		client:  client,
		devices: make(map[string]*Device, len(cfg.Devices)),
		free:    make(chan string, len(cfg.Devices)),
	}
	for _, id := range cfg.Devices {
		p.devices[id] = &Device{ID: id, Status: FREE}
		p.free <- id
	}
	p.publishOccupancy()
	return p
}

// Allocate blocks until a device frees up or the admission timeout elapses.
func (p *Pool) Allocate(ctx context.Context, attemptID string) (*Device, error) {
	admission := time.NewTimer(p.cfg.AdmissionTimeout)
	defer admission.Stop()
	select {
	case id := <-p.free:
		p.mu.Lock()
		device := p.devices[id]
		device.Status = BUSY
		device.AttemptID = attemptID
		p.mu.Unlock()
		p.publishOccupancy()
		log.WithFields(log.Fields{
			"event":     "device_allocated",
			"device":    id,
			"attemptID": attemptID,
		}).Debug("device allocated")
		return device, nil
	case <-admission.C:
		return nil, ErrNoDeviceAvailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a device to the free set, or quarantines it pending a
// health re-check when the attempt saw it misbehave.
func (p *Pool) Release(device *Device, healthy bool) {
	p.mu.Lock()
	device.AttemptID = ""
	if healthy {
		device.Status = FREE
		device.healthFailures = 0
		p.free <- device.ID
	} else {
		device.Status = QUARANTINED
		device.quarantinedAt = time.Now()
	}
	p.mu.Unlock()
	p.publishOccupancy()
	log.WithFields(log.Fields{
		"event":   "device_released",
		"device":  device.ID,
		"healthy": healthy,
	}).Debug("device released")
}

// Run starts the health monitor: quarantined devices are re-checked after
// the cooldown and either restored or, after enough consecutive failed
// checks, permanently excluded.
func (p *Pool) Run(ctx context.Context, group *sync.WaitGroup) {
	group.Add(1)
	go func() {
		defer group.Done()
		ticker := time.NewTicker(p.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.WithFields(log.Fields{
					"event":  "ctx_canceled",
					"worker": "pool_health",
				}).Info("exit goroutine")
				return
			case <-ticker.C:
				p.checkQuarantined(ctx)
			}
		}
	}()
}

func (p *Pool) checkQuarantined(ctx context.Context) {
	p.mu.Lock()
	var due []*Device
	for _, device := range p.devices {
		if device.Status == QUARANTINED && time.Since(device.quarantinedAt) >= p.cfg.QuarantineCooldown {
			due = append(due, device)
		}
	}
	p.mu.Unlock()

	for _, device := range due {
		err := p.client.CheckHealth(ctx, device.ID)
		p.mu.Lock()
		device.LastHealthCheck = time.Now()
		if err == nil {
			device.Status = FREE
			device.healthFailures = 0
			p.free <- device.ID
			p.mu.Unlock()
			p.publishOccupancy()
			log.WithFields(log.Fields{
				"event":  "device_restored",
				"device": device.ID,
			}).Info("device restored from quarantine")
			continue
		}
		device.healthFailures++
		device.quarantinedAt = time.Now()
		if device.healthFailures >= p.cfg.MaxHealthFailures {
			device.Status = UNREACHABLE
		}
		status := device.Status
		failures := device.healthFailures
		p.mu.Unlock()
		p.publishOccupancy()
		log.WithFields(log.Fields{
			"event":    "device_health_check_failed",
			"device":   device.ID,
			"failures": failures,
			"status":   status,
		}).Error(err)
	}
}

// HasAllocatable reports whether any device could serve an attempt now or
// after quarantine recovery. Used by the readiness probe.
func (p *Pool) HasAllocatable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, device := range p.devices {
		if device.Status != UNREACHABLE {
			return true
		}
	}
	return false
}

// Occupancy counts devices per status.
func (p *Pool) Occupancy() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := map[Status]int{FREE: 0, BUSY: 0, QUARANTINED: 0, UNREACHABLE: 0}
	for _, device := range p.devices {
		counts[device.Status]++
	}
	return counts
}

// Devices returns a stable snapshot of every device.
func (p *Pool) Devices() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.devices))
	for _, device := range p.devices {
		out = append(out, Snapshot{
			ID:              device.ID,
			Status:          device.Status,
			LastHealthCheck: device.LastHealthCheck,
			AttemptID:       device.AttemptID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) publishOccupancy() {
	for status, count := range p.Occupancy() {
		metrics.SetPoolOccupancy(string(status), count)
	}
}
