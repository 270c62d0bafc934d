package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pulse-backend/internal/store"
)

// InstanceStatus is the read-side liveness projection served to consumers.
type InstanceStatus struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status"`
	EffectiveStatus     string     `json:"effective_status"`
	LastHeartbeat       *time.Time `json:"last_heartbeat"`
	PhoneNumber         string     `json:"phone_number"`
	HeartbeatAgeSeconds *int64     `json:"heartbeat_age_seconds"`
	IsStale             bool       `json:"is_stale"`
}

// ProjectStatus applies the staleness rule to a stored instance at read
// time. A "connected" row whose heartbeat is older than the threshold is
// reported as disconnected; the stored row is never touched, so a late
// heartbeat restores "connected" without racing a stale write. An instance
// with no heartbeat at all is treated as infinitely stale.
func ProjectStatus(inst *Instance, now time.Time, threshold time.Duration) InstanceStatus {
	st := InstanceStatus{
		ID:              inst.ID,
		Status:          inst.EffectiveStatus,
		EffectiveStatus: inst.EffectiveStatus,
		LastHeartbeat:   inst.LastHeartbeat,
		PhoneNumber:     inst.PhoneNumber,
		IsStale:         true,
	}
	if inst.LastHeartbeat != nil {
		age := now.Sub(*inst.LastHeartbeat)
		ageSeconds := int64(age / time.Second)
		st.HeartbeatAgeSeconds = &ageSeconds
		st.IsStale = age > threshold
	}
	if inst.EffectiveStatus == StatusConnected && st.IsStale {
		st.Status = StatusDisconnected
	}
	return st
}

// Monitor keeps a cached snapshot of every instance row, refreshed by a
// fixed-period poll plus best-effort push invalidation. Push signals only
// trigger an earlier refresh; the poll remains the source of truth because
// the notification channel may drop messages.
type Monitor struct {
	store        *store.Store
	threshold    time.Duration
	pollInterval time.Duration

	mu    sync.RWMutex
	cache map[string]*Instance

	ticker *time.Ticker
	done   chan struct{}
}

func NewMonitor(s *store.Store, threshold, pollInterval time.Duration) *Monitor {
	return &Monitor{
		store:        s,
		threshold:    threshold,
		pollInterval: pollInterval,
		cache:        make(map[string]*Instance),
	}
}

// Start primes the cache and begins the poll loop.
func (m *Monitor) Start() {
	m.refreshAll()
	m.ticker = time.NewTicker(m.pollInterval)
	m.done = make(chan struct{})
	go m.run()
	log.Printf("Staleness monitor started (threshold=%s, poll=%s)", m.threshold, m.pollInterval)
}

// Stop halts the poll loop.
func (m *Monitor) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.done != nil {
		close(m.done)
	}
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.refreshAll()
		}
	}
}

// Invalidate refreshes a single instance ahead of the next poll. Wired to
// the store's change-notification channel.
func (m *Monitor) Invalidate(instanceID string) {
	if instanceID == "" {
		return
	}
	go m.refreshOne(instanceID)
}

// Status returns the projection for one instance, fetching it on a cache
// miss so newly provisioned instances are visible immediately.
func (m *Monitor) Status(instanceID string) (InstanceStatus, error) {
	m.mu.RLock()
	inst, ok := m.cache[instanceID]
	m.mu.RUnlock()

	if !ok {
		var err error
		inst, err = m.refreshOne(instanceID)
		if err != nil {
			return InstanceStatus{}, err
		}
	}
	return ProjectStatus(inst, time.Now().UTC(), m.threshold), nil
}

// AllStatuses returns projections for every cached instance.
func (m *Monitor) AllStatuses() []InstanceStatus {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.cache))
	for _, inst := range m.cache {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	now := time.Now().UTC()
	statuses := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		statuses = append(statuses, ProjectStatus(inst, now, m.threshold))
	}
	return statuses
}

// SetSnapshot replaces the cached row for an instance. Used by tests and by
// the single-row refresh path.
func (m *Monitor) SetSnapshot(inst *Instance) {
	m.mu.Lock()
	m.cache[inst.ID] = inst
	m.mu.Unlock()
}

func (m *Monitor) refreshAll() {
	instances, err := fetchAllInstances(context.Background(), m.store)
	if err != nil {
		log.Printf("ERROR: staleness monitor poll: %v", err)
		return
	}
	fresh := make(map[string]*Instance, len(instances))
	for _, inst := range instances {
		fresh[inst.ID] = inst
	}
	m.mu.Lock()
	m.cache = fresh
	m.mu.Unlock()
}

func (m *Monitor) refreshOne(instanceID string) (*Instance, error) {
	inst, err := fetchInstance(context.Background(), m.store, m.store.DB, instanceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("ERROR: staleness monitor refresh %s: %v", instanceID, err)
		}
		return nil, err
	}
	m.SetSnapshot(inst)
	return inst, nil
}
