// Package pack defines the installable unit packd manages: its manifest,
// the immutable install record, and the repository that persists both.
package pack

import "time"

// Type discriminates how a pack executes.
type Type string

const (
	TypeWASM     Type = "wasm"
	TypeWorkflow Type = "workflow"
)

// InstallMode controls how strictly an install is verified.
type InstallMode string

const (
	ModeDev  InstallMode = "dev"
	ModeProd InstallMode = "prod"
)

// Manifest mirrors pack.json inside an installed archive. Permissions are
// a closed allow-list: anything not declared is denied. Module optionally
// names a .wasm companion a workflow pack carries for its sandbox.call
// steps.
type Manifest struct {
	PackVersion int         `json:"pack_version"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Type        Type        `json:"type"`
	Entry       string      `json:"entry"`
	Module      string      `json:"module,omitempty"`
	Permissions Permissions `json:"permissions"`
	Limits      Limits      `json:"limits"`
	RequiredEnv []string    `json:"required_env,omitempty"`
	Build       BuildInfo   `json:"build,omitempty"`
}

// Permissions declares what a pack may reach at runtime.
type Permissions struct {
	Network    NetworkPermissions    `json:"network"`
	Filesystem FilesystemPermissions `json:"filesystem"`
}

// NetworkPermissions is the outbound allow-list plus the localhost-listen flag.
type NetworkPermissions struct {
	Connect         []string `json:"connect,omitempty"`
	ListenLocalhost bool     `json:"listen_localhost,omitempty"`
}

// FilesystemPermissions lists guest-relative paths the pack may read/write.
type FilesystemPermissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// Limits carries declared resource budgets; the sandbox enforces them.
type Limits struct {
	MemoryMB    int `json:"memory_mb"`
	CPUMsPerSec int `json:"cpu_ms_per_sec"`
}

// BuildInfo is provenance metadata emitted by the pack build.
type BuildInfo struct {
	GitSHA  string `json:"git_sha,omitempty"`
	BuiltAt string `json:"built_at,omitempty"`
	Target  string `json:"target,omitempty"`
}

// InstallSource records where a pack came from and under which mode.
type InstallSource struct {
	Mode        InstallMode `json:"mode"`
	SourceRef   string      `json:"source_ref,omitempty"`
	SourceURL   string      `json:"source_url"`
	InstalledAt time.Time   `json:"installed_at"`
}

// Pack is the persisted install record. Immutable once written;
// re-installing the same id replaces the whole record atomically.
type Pack struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	Type           Type          `json:"type"`
	Manifest       Manifest      `json:"manifest"`
	Source         InstallSource `json:"install_source"`
	InstallPath    string        `json:"install_path"`
	ChecksumSHA256 string        `json:"checksum_sha256,omitempty"`
}
