package domain

import "time"

// Sample is one utilization measurement. A sample without VMID is the
// aggregate usage of the whole host.
type Sample struct {
	HostID    string    `json:"host_id"`
	VMID      string    `json:"vm_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Usage     Resources `json:"usage"`
}

// SubjectID returns the key the sample is stored under.
func (s Sample) SubjectID() string {
	if s.VMID != "" {
		return s.VMID
	}
	return s.HostID
}
