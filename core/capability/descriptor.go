// Package capability translates a pack's declared permissions into the
// least-privilege descriptor the sandbox consumes, and enforces the
// network allow-list at runtime.
package capability

import "encoding/json"

// Preopen grants the guest one directory, mapped from a host path.
type Preopen struct {
	GuestPath string `json:"guest_path"`
	HostPath  string `json:"host_path"`
	Readonly  bool   `json:"readonly"`
}

// Descriptor is the sandbox-facing capability document. It is derived
// fresh for every start and never persisted.
type Descriptor struct {
	PreopenDirs      []Preopen         `json:"preopen_dirs"`
	EnvVars          map[string]string `json:"env_vars"`
	InheritStdout    bool              `json:"inherit_stdout"`
	InheritStderr    bool              `json:"inherit_stderr"`
	MemoryLimitMB    int               `json:"memory_limit_mb"`
	CPULimitMsPerSec int               `json:"cpu_limit_ms_per_sec"`
}

// JSON renders the canonical wire form handed to the sandbox.
func (d Descriptor) JSON() ([]byte, error) {
	return json.Marshal(d)
}
