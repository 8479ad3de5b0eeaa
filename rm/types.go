package rm

import "encoding/json"

// Descriptor identifies one resource manager. Descriptors live in the
// "resource_managers" hash and are read-only for the broker: registration is
// handled elsewhere.
type Descriptor struct {
	Name         string          `json:"name"`
	Endpoint     string          `json:"endpoint"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// NetIface is one network interface of a provisioned machine.
type NetIface struct {
	IP string `json:"ip"`
}

// Machine is one provisioned machine as reported by a resource manager in a
// commit response. Credential fields are optional; absent means the RM did
// not hand any out.
type Machine struct {
	Name         string     `json:"name"`
	User         string     `json:"user,omitempty"`
	Password     string     `json:"password,omitempty"`
	PemKeyString string     `json:"pem_key_string,omitempty"`
	KeyFilePath  string     `json:"key_file_path,omitempty"`
	NetIfaces    []NetIface `json:"net_ifaces"`
}

// CommitResult is a resource manager's fulfillment payload. Raw keeps the
// verbatim response body for auditing.
type CommitResult struct {
	Info []Machine       `json:"info"`
	Raw  json.RawMessage `json:"-"`
}
