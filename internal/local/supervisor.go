package local

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/algorithm"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

type running struct {
	manager *Manager
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor runs one local manager per host and starts or stops managers
// as hosts appear in or disappear from the cluster state.
type Supervisor struct {
	cfg       config.LocalConfig
	algos     config.AlgorithmsConfig
	step      time.Duration
	state     StateReader
	usage     UsageSource
	requester Requester
	recorder  OverloadRecorder
	logger    *zap.Logger

	mu       sync.Mutex
	managers map[string]*running
}

// NewSupervisor creates a supervisor. step is the telemetry interval, used
// to express the estimated migration time in samples.
func NewSupervisor(
	cfg config.LocalConfig,
	algos config.AlgorithmsConfig,
	step time.Duration,
	state StateReader,
	usage UsageSource,
	requester Requester,
	recorder OverloadRecorder,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		algos:     algos,
		step:      step,
		state:     state,
		usage:     usage,
		requester: requester,
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "local-supervisor")),
		managers:  make(map[string]*running),
	}
}

// Run reconciles the managers every interval until ctx is cancelled, then
// stops all of them.
func (s *Supervisor) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Local managers disabled")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile starts managers for new hosts and stops those of removed hosts.
func (s *Supervisor) Reconcile(ctx context.Context) {
	state := s.state.Snapshot()
	want := make(map[string]bool)
	for _, id := range state.HostIDs() {
		if len(s.cfg.Hosts) == 0 || slices.Contains(s.cfg.Hosts, id) {
			want[id] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.managers {
		if !want[id] {
			r.cancel()
			<-r.done
			delete(s.managers, id)
			s.logger.Info("Stopped local manager", zap.String("host_id", id))
		}
	}

	for id := range want {
		if _, ok := s.managers[id]; ok {
			continue
		}
		m, err := s.newManager(state, id)
		if err != nil {
			s.logger.Error("Failed to create local manager", zap.String("host_id", id), zap.Error(err))
			continue
		}
		mctx, cancel := context.WithCancel(ctx)
		r := &running{manager: m, cancel: cancel, done: make(chan struct{})}
		s.managers[id] = r
		go func() {
			defer close(r.done)
			m.Run(mctx)
		}()
	}
}

// Managed returns the hosts with a running manager, sorted.
func (s *Supervisor) Managed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.managers))
	for id := range s.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.managers {
		r.cancel()
		<-r.done
		delete(s.managers, id)
	}
	s.logger.Info("Local managers stopped")
}

func (s *Supervisor) newManager(state *domain.ClusterState, hostID string) (*Manager, error) {
	migrationTime := MigrationTime(state, hostID, s.algos.NetworkBandwidth, s.step)

	underloadSpec := s.algos.UnderloadSpec()
	underloadSpec.MigrationTime = migrationTime
	underload, err := algorithm.NewUnderloadDetector(underloadSpec)
	if err != nil {
		return nil, fmt.Errorf("underload detector: %w", err)
	}

	overloadSpec := s.algos.OverloadSpec()
	overloadSpec.MigrationTime = migrationTime
	overload, err := algorithm.NewOverloadDetector(overloadSpec)
	if err != nil {
		return nil, fmt.Errorf("overload detector: %w", err)
	}

	return NewManager(hostID, s.cfg.Interval, s.state, s.usage, underload, overload, s.requester, s.recorder, s.logger), nil
}

// MigrationTime estimates the time to migrate one VM off hostID, in
// telemetry intervals: the mean memory of the host's VMs (MB) over the
// migration bandwidth (MB/s). Hosts without VMs use the cluster-wide mean.
func MigrationTime(state *domain.ClusterState, hostID string, bandwidth float64, step time.Duration) float64 {
	if bandwidth <= 0 || step <= 0 {
		return 0
	}
	vms := state.HostVMs(hostID)
	if len(vms) == 0 {
		for _, vm := range state.VMs {
			vms = append(vms, vm)
		}
	}
	if len(vms) == 0 {
		return 0
	}

	var memory float64
	for _, vm := range vms {
		memory += vm.Demand.Memory
	}
	memory /= float64(len(vms))
	return memory / bandwidth / step.Seconds()
}
