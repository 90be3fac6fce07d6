package capability

import (
	"path/filepath"
	"testing"

	"github.com/packd-io/packd/core/pack"
)

func TestBuildMapsExactlyDeclaredPaths(t *testing.T) {
	perms := pack.Permissions{
		Filesystem: pack.FilesystemPermissions{
			Read:  []string{"data", "config"},
			Write: []string{"data/cache"},
		},
	}
	d := Build("/srv/sandbox", "alpha", perms, nil, pack.Limits{MemoryMB: 64, CPUMsPerSec: 500})

	if len(d.PreopenDirs) != 3 {
		t.Fatalf("preopens = %d, want 3", len(d.PreopenDirs))
	}
	byGuest := make(map[string]Preopen, len(d.PreopenDirs))
	for _, p := range d.PreopenDirs {
		byGuest[p.GuestPath] = p
	}
	for _, guest := range []string{"data", "config", "data/cache"} {
		p, ok := byGuest[guest]
		if !ok {
			t.Fatalf("declared path %s not mapped", guest)
		}
		want := filepath.Join("/srv/sandbox", "alpha", guest)
		if p.HostPath != want {
			t.Fatalf("%s host = %s, want %s", guest, p.HostPath, want)
		}
	}
	if !byGuest["data"].Readonly || !byGuest["config"].Readonly {
		t.Fatalf("read-only paths not readonly")
	}
	if byGuest["data/cache"].Readonly {
		t.Fatalf("write path marked readonly")
	}
	if d.MemoryLimitMB != 64 || d.CPULimitMsPerSec != 500 {
		t.Fatalf("limits not carried: %+v", d)
	}
}

func TestBuildWriteWinsOverRead(t *testing.T) {
	perms := pack.Permissions{
		Filesystem: pack.FilesystemPermissions{
			Read:  []string{"data"},
			Write: []string{"data"},
		},
	}
	d := Build("/srv/sandbox", "alpha", perms, nil, pack.Limits{})
	if len(d.PreopenDirs) != 1 {
		t.Fatalf("preopens = %d, want 1", len(d.PreopenDirs))
	}
	if d.PreopenDirs[0].Readonly {
		t.Fatalf("path declared writable resolved readonly")
	}
}

func TestBuildEmptyPermissionsMapsNothing(t *testing.T) {
	d := Build("/srv/sandbox", "alpha", pack.Permissions{}, nil, pack.Limits{})
	if len(d.PreopenDirs) != 0 {
		t.Fatalf("expected no preopens, got %v", d.PreopenDirs)
	}
}

func TestBuildNamespacesPerPack(t *testing.T) {
	perms := pack.Permissions{Filesystem: pack.FilesystemPermissions{Write: []string{"data"}}}
	a := Build("/srv/sandbox", "alpha", perms, nil, pack.Limits{})
	b := Build("/srv/sandbox", "beta", perms, nil, pack.Limits{})
	if a.PreopenDirs[0].HostPath == b.PreopenDirs[0].HostPath {
		t.Fatalf("colliding guest paths share a host path: %s", a.PreopenDirs[0].HostPath)
	}
}

func TestBuildCopiesEnv(t *testing.T) {
	env := map[string]string{"API_KEY": "x"}
	d := Build("/srv/sandbox", "alpha", pack.Permissions{}, env, pack.Limits{})
	env["API_KEY"] = "mutated"
	if d.EnvVars["API_KEY"] != "x" {
		t.Fatalf("descriptor aliases caller env map")
	}
}
