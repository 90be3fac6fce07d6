package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/locks"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/infra/metrics"
	"github.com/packd-io/packd/core/pack"
)

const manifestName = "pack.json"

// ActiveChecker reports whether a pack currently has an instance that is
// not stopped. Installs are refused while one exists.
type ActiveChecker interface {
	HasActiveInstance(ctx context.Context, packID string) (bool, error)
}

// Installer runs the download, verify, extract, publish pipeline.
type Installer struct {
	downloader Downloader
	repo       pack.Repository
	active     ActiveChecker
	locks      *locks.Keyed
	packsDir   string
	stagingDir string
	metrics    metrics.InstallMetrics
	events     bus.Publisher
}

// Options wires an Installer. Active and Events may be nil.
type Options struct {
	Downloader Downloader
	Repository pack.Repository
	Active     ActiveChecker
	Locks      *locks.Keyed
	PacksDir   string
	StagingDir string
	Metrics    metrics.InstallMetrics
	Events     bus.Publisher
}

// New validates options and constructs an Installer.
func New(opts Options) (*Installer, error) {
	if opts.Downloader == nil {
		return nil, fmt.Errorf("downloader required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("pack repository required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock table required")
	}
	if opts.PacksDir == "" || opts.StagingDir == "" {
		return nil, fmt.Errorf("packs and staging directories required")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Installer{
		downloader: opts.Downloader,
		repo:       opts.Repository,
		active:     opts.Active,
		locks:      opts.Locks,
		packsDir:   opts.PacksDir,
		stagingDir: opts.StagingDir,
		metrics:    m,
		events:     opts.Events,
	}, nil
}

// Install downloads, verifies, extracts and publishes a pack. Prod-mode
// installs must pin an expected checksum; the check happens before any
// network call. On any failure every partial artifact is removed.
func (in *Installer) Install(ctx context.Context, url string, source pack.InstallSource, expectedChecksum string) (*pack.Pack, error) {
	if source.Mode == pack.ModeProd && expectedChecksum == "" {
		return nil, ErrChecksumRequired
	}
	in.metrics.IncInstallStarted(string(source.Mode))
	p, err := in.install(ctx, url, source, expectedChecksum)
	if err != nil {
		in.metrics.IncInstallCompleted(string(source.Mode), "failure")
		return nil, err
	}
	in.metrics.IncInstallCompleted(string(source.Mode), "success")
	return p, nil
}

func (in *Installer) install(ctx context.Context, url string, source pack.InstallSource, expectedChecksum string) (*pack.Pack, error) {
	data, err := in.downloader.Download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}

	if err := os.MkdirAll(in.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	stagingID := uuid.NewString()
	archivePath := filepath.Join(in.stagingDir, stagingID+".zip")
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("stage archive: %w", err)
	}
	defer os.Remove(archivePath)

	actual, err := ComputeFileSHA256(archivePath)
	if err != nil {
		return nil, err
	}
	if expectedChecksum != "" {
		if err := VerifyChecksum(actual, expectedChecksum); err != nil {
			in.metrics.IncSecurityRejection("checksum")
			logging.Warn("INSTALL", "archive rejected", "url", url, "reason", "checksum mismatch")
			return nil, err
		}
	}

	extractRoot := filepath.Join(in.stagingDir, stagingID)
	if err := ExtractZip(archivePath, extractRoot); err != nil {
		if errors.Is(err, ErrZipSlip) {
			in.metrics.IncSecurityRejection("zip_slip")
			logging.Warn("INSTALL", "archive rejected", "url", url, "reason", "zip slip")
		}
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(extractRoot) }

	contentRoot, err := findContentRoot(extractRoot)
	if err != nil {
		cleanup()
		return nil, err
	}
	manifestData, err := os.ReadFile(filepath.Join(contentRoot, manifestName))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: read %s: %v", pack.ErrManifestInvalid, manifestName, err)
	}
	manifest, err := pack.ParseManifest(manifestData)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := VerifySidecar(contentRoot); err != nil {
		if errors.Is(err, ErrChecksumMismatch) {
			in.metrics.IncSecurityRejection("sidecar")
		}
		cleanup()
		return nil, err
	}

	in.locks.Acquire("pack:" + manifest.ID)
	defer in.locks.Release("pack:" + manifest.ID)

	if in.active != nil {
		busy, err := in.active.HasActiveInstance(ctx, manifest.ID)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("check active instances: %w", err)
		}
		if busy {
			cleanup()
			return nil, fmt.Errorf("pack %s has a running instance; stop it before reinstalling", manifest.ID)
		}
	}

	installPath := filepath.Join(in.packsDir, manifest.ID)
	if err := publishDir(contentRoot, installPath); err != nil {
		cleanup()
		return nil, err
	}
	// contentRoot may have been a subdirectory of extractRoot; drop the rest.
	_ = os.RemoveAll(extractRoot)

	if source.InstalledAt.IsZero() {
		source.InstalledAt = time.Now().UTC()
	}
	source.SourceURL = url
	record := &pack.Pack{
		ID:             manifest.ID,
		Name:           manifest.Name,
		Version:        manifest.Version,
		Type:           manifest.Type,
		Manifest:       *manifest,
		Source:         source,
		InstallPath:    installPath,
		ChecksumSHA256: actual,
	}
	if err := in.repo.Save(ctx, record); err != nil {
		_ = os.RemoveAll(installPath)
		return nil, fmt.Errorf("persist pack record: %w", err)
	}

	logging.Info("INSTALL", "pack installed",
		"pack", manifest.ID, "version", manifest.Version, "mode", string(source.Mode))
	if in.events != nil {
		_ = in.events.Publish(bus.EventSubject("pack.installed"), &bus.Event{
			Type:   "pack.installed",
			PackID: manifest.ID,
			Data:   map[string]any{"version": manifest.Version, "mode": string(source.Mode)},
		})
	}
	return record, nil
}

// Uninstall removes a pack's files and record. The caller is expected to
// have stopped its instances first.
func (in *Installer) Uninstall(ctx context.Context, packID string) error {
	in.locks.Acquire("pack:" + packID)
	defer in.locks.Release("pack:" + packID)

	rec, err := in.repo.Get(ctx, packID)
	if err != nil {
		return err
	}
	if in.active != nil {
		busy, err := in.active.HasActiveInstance(ctx, packID)
		if err != nil {
			return fmt.Errorf("check active instances: %w", err)
		}
		if busy {
			return fmt.Errorf("pack %s has a running instance; stop it before uninstalling", packID)
		}
	}
	if err := in.repo.Delete(ctx, packID); err != nil {
		return err
	}
	if rec.InstallPath != "" {
		_ = os.RemoveAll(rec.InstallPath)
	}
	logging.Info("INSTALL", "pack uninstalled", "pack", packID)
	if in.events != nil {
		_ = in.events.Publish(bus.EventSubject("pack.uninstalled"), &bus.Event{
			Type:   "pack.uninstalled",
			PackID: packID,
		})
	}
	return nil
}

// publishDir atomically replaces installPath with src. The previous
// install, if any, is kept aside until the rename succeeds.
func publishDir(src, installPath string) error {
	if err := os.MkdirAll(filepath.Dir(installPath), 0o755); err != nil {
		return fmt.Errorf("create packs dir: %w", err)
	}
	backup := installPath + ".previous"
	_ = os.RemoveAll(backup)
	hadPrevious := false
	if _, err := os.Stat(installPath); err == nil {
		if err := os.Rename(installPath, backup); err != nil {
			return fmt.Errorf("set aside previous install: %w", err)
		}
		hadPrevious = true
	}
	if err := os.Rename(src, installPath); err != nil {
		if hadPrevious {
			_ = os.Rename(backup, installPath)
		}
		return fmt.Errorf("publish install dir: %w", err)
	}
	if hadPrevious {
		_ = os.RemoveAll(backup)
	}
	return nil
}

// findContentRoot locates pack.json either at the extraction root or
// inside a single top-level directory, the two layouts archives ship.
func findContentRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scan extraction root: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		subdir := filepath.Join(dir, entries[0].Name())
		if _, err := os.Stat(filepath.Join(subdir, manifestName)); err == nil {
			return subdir, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in archive", pack.ErrManifestInvalid, manifestName)
}
