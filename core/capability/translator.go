package capability

import (
	"path/filepath"
	"sort"

	"github.com/packd-io/packd/core/pack"
)

// Build maps declared permissions onto a descriptor. Each declared guest
// path becomes one preopen rooted under the pack's private host
// directory, so colliding guest paths across packs can never reach the
// same host files. Write grants win over read grants for the same path.
// Nothing is mapped implicitly.
func Build(sandboxRoot, packID string, perms pack.Permissions, env map[string]string, limits pack.Limits) Descriptor {
	readonly := make(map[string]bool)
	for _, p := range perms.Filesystem.Read {
		readonly[p] = true
	}
	for _, p := range perms.Filesystem.Write {
		readonly[p] = false
	}

	guests := make([]string, 0, len(readonly))
	for p := range readonly {
		guests = append(guests, p)
	}
	sort.Strings(guests)

	preopens := make([]Preopen, 0, len(guests))
	for _, guest := range guests {
		preopens = append(preopens, Preopen{
			GuestPath: guest,
			HostPath:  filepath.Join(sandboxRoot, packID, filepath.FromSlash(guest)),
			Readonly:  readonly[guest],
		})
	}

	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}

	return Descriptor{
		PreopenDirs:      preopens,
		EnvVars:          envCopy,
		InheritStdout:    true,
		InheritStderr:    true,
		MemoryLimitMB:    limits.MemoryMB,
		CPULimitMsPerSec: limits.CPUMsPerSec,
	}
}
