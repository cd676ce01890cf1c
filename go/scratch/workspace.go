// Package scratch provides the per-test scratch filesystem.
// Each test owns one Workspace: an ephemeral directory tree holding the
// fetched feature files, the topic-directive manifest, and the evidence
// produced while the test runs. Workspaces are created by a Manager and
// removed on every exit path of the owning execution.
package scratch

import (
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	"github.com/spf13/afero"
)

// Config of a workspace Manager.
type Config struct {
	// BaseDir under which per-test roots are created.
	BaseDir string
	// FeaturesPath is the bucket-relative directory of feature files.
	FeaturesPath string
	// ManifestPath is the bucket-relative path of the topic manifest.
	ManifestPath string
}

// Manager creates and tracks per-test Workspaces on a backing filesystem.
// Production uses an OS filesystem rooted under the temp directory;
// tests use an in-memory filesystem.
type Manager struct {
	fs  afero.Afero
	cfg Config
}

// NewManager returns a Manager over |fs| with the given Config.
func NewManager(fs afero.Fs, cfg Config) *Manager {
	if cfg.BaseDir == "" {
		cfg.BaseDir = path.Join(os.TempDir(), "test-probe")
	}
	if cfg.FeaturesPath == "" {
		cfg.FeaturesPath = "features"
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "topic-directives.yaml"
	}
	return &Manager{fs: afero.Afero{Fs: fs}, cfg: cfg}
}

// Create builds an empty Workspace for |testID|, with its evidence
// directory already present.
func (m *Manager) Create(testID uuid.UUID) (*Workspace, error) {
	var root = path.Join(m.cfg.BaseDir, testID.String())

	if ok, err := m.fs.DirExists(root); err != nil {
		return nil, fmt.Errorf("probing workspace root: %w", err)
	} else if ok {
		// A prior run of this test left a stale root behind. Re-create it.
		if err = m.fs.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("removing stale workspace root: %w", err)
		}
	}

	for _, dir := range []string{root, path.Join(root, "evidence")} {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory %s: %w", dir, err)
		}
	}

	return &Workspace{
		fs:           m.fs,
		root:         root,
		featuresPath: m.cfg.FeaturesPath,
		manifestPath: m.cfg.ManifestPath,
	}, nil
}

// Workspace is the scratch root of a single test.
type Workspace struct {
	fs           afero.Afero
	root         string
	featuresPath string
	manifestPath string
}

// Fs returns the filesystem backing this Workspace.
func (w *Workspace) Fs() afero.Fs { return w.fs }

// Root directory of the Workspace.
func (w *Workspace) Root() string { return w.root }

// FeaturesDir is the directory of feature files within the Workspace.
func (w *Workspace) FeaturesDir() string { return path.Join(w.root, w.featuresPath) }

// ManifestPath is the location of the topic manifest within the Workspace.
func (w *Workspace) ManifestPath() string { return path.Join(w.root, w.manifestPath) }

// EvidenceDir is the directory into which the scenario runtime writes evidence.
func (w *Workspace) EvidenceDir() string { return path.Join(w.root, "evidence") }

// Validate checks the Workspace invariants required of a fetched bucket:
// the features directory exists and is non-empty, and the manifest file exists.
func (w *Workspace) Validate() error {
	if ok, err := w.fs.DirExists(w.FeaturesDir()); err != nil {
		return fmt.Errorf("probing features directory: %w", err)
	} else if !ok {
		return fmt.Errorf("bucket has no features directory at %s", w.featuresPath)
	}

	entries, err := w.fs.ReadDir(w.FeaturesDir())
	if err != nil {
		return fmt.Errorf("listing features directory: %w", err)
	}
	var files int
	for _, e := range entries {
		if !e.IsDir() {
			files++
		}
	}
	if files == 0 {
		return fmt.Errorf("bucket features directory %s is empty", w.featuresPath)
	}

	if ok, err := w.fs.Exists(w.ManifestPath()); err != nil {
		return fmt.Errorf("probing manifest: %w", err)
	} else if !ok {
		return fmt.Errorf("bucket has no topic manifest at %s", w.manifestPath)
	}
	return nil
}

// LoadManifest parses and validates the Workspace's topic manifest.
func (w *Workspace) LoadManifest() (*manifest.Manifest, error) {
	var f, err = w.fs.Open(w.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("opening topic manifest: %w", err)
	}
	defer f.Close()

	return manifest.Parse(f)
}

// WriteFile writes a file at a workspace-relative |rel| path,
// creating parent directories as needed.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	var abs = path.Join(w.root, rel)
	if err := w.fs.MkdirAll(path.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	if err := w.fs.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// Remove deletes the Workspace root and everything under it.
// Remove of an already-removed Workspace is a no-op.
func (w *Workspace) Remove() error {
	if err := w.fs.RemoveAll(w.root); err != nil {
		return fmt.Errorf("removing workspace root: %w", err)
	}
	return nil
}
