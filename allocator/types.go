package allocator

import (
	"encoding/json"
	"time"
)

// Allocation status values. Transitions are monotonic: received is the only
// non-terminal state, success and failed are terminal. A new request gets a
// new allocation id rather than reusing a terminal record.
const (
	StatusReceived = "received"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// DefaultTTL is the relative lifetime stamped on a record at every create and
// update. Records whose expiration has passed are stale and eligible for
// reclamation by an external janitor; the broker itself never reaps them.
const DefaultTTL = 60 * time.Second

// AllocationRequest is a client's demand for hardware. Demands are an opaque
// requirement blob interpreted by resource managers, not by the broker.
// Requests are immutable once created; only the derived record mutates.
type AllocationRequest struct {
	AllocationID string          `json:"allocation_id"`
	Demands      json.RawMessage `json:"demands"`
}

// HardwareDetail describes one provisioned machine of a successful
// allocation. Record order follows the committing RM's machine list.
type HardwareDetail struct {
	IP                string `json:"ip"`
	User              string `json:"user,omitempty"`
	Password          string `json:"password,omitempty"`
	PemKeyString      string `json:"pem_key_string,omitempty"`
	KeyfilePath       string `json:"keyfile_path,omitempty"`
	ResourceManagerEP string `json:"resource_manager_ep"`
	VMID              string `json:"vm_id"`
}

// AllocationRecord is the persisted, evolving state of one allocation.
// ResourceManager and HardwareDetails are set only on success; Result keeps
// the raw RM response (or error detail) for auditing.
type AllocationRecord struct {
	AllocationID    string           `json:"allocation_id"`
	Status          string           `json:"status"`
	Expiration      int64            `json:"expiration"`
	Demands         json.RawMessage  `json:"demands,omitempty"`
	ResourceManager string           `json:"resource_manager,omitempty"`
	HardwareDetails []HardwareDetail `json:"hardware_details,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
}

// RecordUpdate is a typed partial update. Nil fields are left untouched; set
// fields fully replace the prior value. The closed field set replaces
// free-form key/value merging so a typo cannot silently create a new field.
type RecordUpdate struct {
	Status          *string
	ResourceManager *string
	HardwareDetails []HardwareDetail
	Result          json.RawMessage
}

func (u RecordUpdate) apply(rec *AllocationRecord) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.ResourceManager != nil {
		rec.ResourceManager = *u.ResourceManager
	}
	if u.HardwareDetails != nil {
		rec.HardwareDetails = u.HardwareDetails
	}
	if u.Result != nil {
		rec.Result = u.Result
	}
}
