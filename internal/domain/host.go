package domain

import (
	"sort"
	"time"
)

// PowerState represents the power state of a physical host.
type PowerState string

const (
	PowerStateActive     PowerState = "ACTIVE"
	PowerStateSleeping   PowerState = "SLEEPING"
	PowerStateWaking     PowerState = "WAKING"
	PowerStateSuspending PowerState = "SUSPENDING"
)

// Transitioning reports whether a power transition is in flight.
func (s PowerState) Transitioning() bool {
	return s == PowerStateWaking || s == PowerStateSuspending
}

// Host represents a physical compute host.
type Host struct {
	ID         string     `json:"id"`
	Hostname   string     `json:"hostname"`
	Capacity   Resources  `json:"capacity"`
	PowerState PowerState `json:"power_state"`

	// VMIDs holds the VMs resident on the host, Incoming the VMs with an
	// in-flight migration targeting it.
	VMIDs    []string `json:"vm_ids"`
	Incoming []string `json:"incoming,omitempty"`

	// Evacuating is set while an underload plan is draining the host.
	Evacuating bool `json:"evacuating,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the host can run and receive VMs.
func (h *Host) IsActive() bool {
	return h.PowerState == PowerStateActive
}

// HasVM reports whether vmID is resident on the host.
func (h *Host) HasVM(vmID string) bool {
	return containsString(h.VMIDs, vmID)
}

// Clone returns a deep copy of the host.
func (h *Host) Clone() *Host {
	c := *h
	c.VMIDs = append([]string(nil), h.VMIDs...)
	c.Incoming = append([]string(nil), h.Incoming...)
	return &c
}

func (h *Host) addVM(vmID string) {
	if !containsString(h.VMIDs, vmID) {
		h.VMIDs = append(h.VMIDs, vmID)
		sort.Strings(h.VMIDs)
	}
}

func (h *Host) removeVM(vmID string) {
	h.VMIDs = removeString(h.VMIDs, vmID)
}

func (h *Host) addIncoming(vmID string) {
	if !containsString(h.Incoming, vmID) {
		h.Incoming = append(h.Incoming, vmID)
		sort.Strings(h.Incoming)
	}
}

func (h *Host) removeIncoming(vmID string) {
	h.Incoming = removeString(h.Incoming, vmID)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
