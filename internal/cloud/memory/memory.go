// Package memory is an in-process cloud platform used for development,
// demos and tests.
package memory

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/domain"
)

type host struct {
	info     cloud.HostInfo
	sleeping bool
}

type vm struct {
	info cloud.VMInfo
	// load is the fraction of the allocation the VM currently uses.
	load float64
}

type migration struct {
	handle  cloud.Handle
	readyAt time.Time
	fail    bool
	aborted bool
}

// Platform simulates hosts, VMs and live migrations in memory. Migrations
// complete after a fixed duration.
type Platform struct {
	duration time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	hosts      map[string]*host
	vms        map[string]*vm
	migrations map[string]*migration
	failNext   map[string]int
	rng        *rand.Rand
}

// New creates an empty simulator whose migrations take duration.
func New(duration time.Duration, logger *zap.Logger) *Platform {
	return &Platform{
		duration:   duration,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "memory-cloud")),
		hosts:      make(map[string]*host),
		vms:        make(map[string]*vm),
		migrations: make(map[string]*migration),
		failNext:   make(map[string]int),
		rng:        rand.New(rand.NewPCG(1, 2)),
	}
}

// AddHost registers a host.
func (p *Platform) AddHost(id string, capacity domain.Resources) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts[id] = &host{info: cloud.HostInfo{ID: id, Hostname: id, Capacity: capacity}}
}

// AddVM registers a VM on hostID using load of its allocation.
func (p *Platform) AddVM(id, hostID string, allocation domain.Resources, load float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hosts[hostID]; !ok {
		return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
	}
	p.vms[id] = &vm{
		info: cloud.VMInfo{ID: id, Name: id, HostID: hostID, Allocation: allocation},
		load: load,
	}
	return nil
}

// SetLoad changes the fraction of its allocation a VM uses.
func (p *Platform) SetLoad(vmID string, load float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vms[vmID]; ok {
		v.load = load
	}
}

// FailNext makes the next n migrations of vmID fail.
func (p *Platform) FailNext(vmID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[vmID] = n
}

// HostOf returns the host a VM currently runs on.
func (p *Platform) HostOf(vmID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.vms[vmID]; ok {
		return v.info.HostID
	}
	return ""
}

// Sleeping reports whether a host is in its low-power state.
func (p *Platform) Sleeping(hostID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[hostID]
	return ok && h.sleeping
}

// Migrate implements cloud.Platform.
func (p *Platform) Migrate(_ context.Context, vmID, sourceHostID, destHostID string) (cloud.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.vms[vmID]
	if !ok {
		return cloud.Handle{}, fmt.Errorf("vm %s: %w", vmID, domain.ErrNotFound)
	}
	dst, ok := p.hosts[destHostID]
	if !ok {
		return cloud.Handle{}, fmt.Errorf("host %s: %w", destHostID, domain.ErrNotFound)
	}
	if dst.sleeping {
		return cloud.Handle{}, fmt.Errorf("host %s is asleep: %w", destHostID, domain.ErrConflict)
	}
	if v.info.HostID != sourceHostID {
		return cloud.Handle{}, fmt.Errorf("vm %s runs on %s, not %s: %w", vmID, v.info.HostID, sourceHostID, domain.ErrConflict)
	}
	if _, busy := p.migrations[vmID]; busy {
		return cloud.Handle{}, fmt.Errorf("vm %s already migrating: %w", vmID, domain.ErrConflict)
	}

	h := cloud.Handle{VMID: vmID, SourceHostID: sourceHostID, DestinationHostID: destHostID, SubmittedAt: p.now()}
	m := &migration{handle: h, readyAt: h.SubmittedAt.Add(p.duration)}
	if n := p.failNext[vmID]; n > 0 {
		m.fail = true
		p.failNext[vmID] = n - 1
	}
	p.migrations[vmID] = m
	return h, nil
}

// PollMigration implements cloud.Platform.
func (p *Platform) PollMigration(_ context.Context, h cloud.Handle) (cloud.MigrationStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.migrations[h.VMID]
	if !ok {
		if v, ok := p.vms[h.VMID]; ok && v.info.HostID == h.DestinationHostID {
			return cloud.MigrationDone, nil
		}
		return cloud.MigrationFailed, nil
	}
	if p.now().Before(m.readyAt) {
		return cloud.MigrationPending, nil
	}
	delete(p.migrations, h.VMID)
	if m.fail || m.aborted {
		return cloud.MigrationFailed, nil
	}
	p.vms[h.VMID].info.HostID = h.DestinationHostID
	p.logger.Debug("Migration completed",
		zap.String("vm_id", h.VMID),
		zap.String("destination_host_id", h.DestinationHostID),
	)
	return cloud.MigrationDone, nil
}

// AbortMigration implements cloud.Aborter.
func (p *Platform) AbortMigration(_ context.Context, h cloud.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.migrations[h.VMID]; ok {
		m.aborted = true
		m.readyAt = p.now()
	}
	return nil
}

// Sleep implements cloud.Platform.
func (p *Platform) Sleep(_ context.Context, hostID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[hostID]
	if !ok {
		return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
	}
	for _, v := range p.vms {
		if v.info.HostID == hostID {
			return fmt.Errorf("host %s still runs vm %s: %w", hostID, v.info.ID, domain.ErrConflict)
		}
	}
	h.sleeping = true
	return nil
}

// Wake implements cloud.Platform.
func (p *Platform) Wake(_ context.Context, hostID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[hostID]
	if !ok {
		return fmt.Errorf("host %s: %w", hostID, domain.ErrNotFound)
	}
	h.sleeping = false
	return nil
}

// Inventory implements cloud.Platform.
func (p *Platform) Inventory(context.Context) (*cloud.Inventory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv := &cloud.Inventory{}
	for _, h := range p.hosts {
		info := h.info
		info.Disabled = h.sleeping
		inv.Hosts = append(inv.Hosts, info)
	}
	for _, v := range p.vms {
		inv.VMs = append(inv.VMs, v.info)
	}
	sort.Slice(inv.Hosts, func(i, j int) bool { return inv.Hosts[i].ID < inv.Hosts[j].ID })
	sort.Slice(inv.VMs, func(i, j int) bool { return inv.VMs[i].ID < inv.VMs[j].ID })
	return inv, nil
}

// Samples produces one utilization sample per VM and one aggregate sample
// per awake host at ts. VM usage jitters by up to 5% around its load.
func (p *Platform) Samples(ts time.Time) []domain.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	hostUsage := make(map[string]domain.Resources, len(p.hosts))
	samples := make([]domain.Sample, 0, len(p.vms)+len(p.hosts))
	ids := make([]string, 0, len(p.vms))
	for id := range p.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := p.vms[id]
		load := math.Max(0, math.Min(1, v.load+(p.rng.Float64()-0.5)*0.1))
		usage := v.info.Allocation.Scale(load)
		samples = append(samples, domain.Sample{HostID: v.info.HostID, VMID: id, Timestamp: ts, Usage: usage})
		hostUsage[v.info.HostID] = hostUsage[v.info.HostID].Add(usage)
	}
	for id, h := range p.hosts {
		if h.sleeping {
			continue
		}
		samples = append(samples, domain.Sample{HostID: id, Timestamp: ts, Usage: hostUsage[id]})
	}
	return samples
}

// SeedDemo populates a small cluster with a mix of busy and idle hosts.
func (p *Platform) SeedDemo() {
	capacity := domain.Resources{CPU: 32, Memory: 131072}
	for i := 1; i <= 6; i++ {
		p.AddHost(fmt.Sprintf("compute-%d", i), capacity)
	}
	small := domain.Resources{CPU: 2, Memory: 4096}
	large := domain.Resources{CPU: 8, Memory: 16384}
	for i := 1; i <= 12; i++ {
		hostID := fmt.Sprintf("compute-%d", (i-1)%6+1)
		alloc, load := small, 0.15
		if i%4 == 0 {
			alloc, load = large, 0.8
		}
		_ = p.AddVM(fmt.Sprintf("vm-%02d", i), hostID, alloc, load)
	}
}
