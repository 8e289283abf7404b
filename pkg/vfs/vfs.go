// Package vfs implements the kernel's sandboxed virtual filesystem: every
// virtual, posix-absolute path is mapped onto a real path under a single host
// root, with every operation guarding against path traversal and emitting
// fs.changed events for mutations. Grounded on pkg/volume/local.go's
// directory-per-entity layout (generalized here from "one directory per
// volume ID" to "one root with posix-mapped subpaths"); file writes use an
// atomic write-temp-then-rename.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/types"
)

var sharedMountNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
var agentUIDRE = regexp.MustCompile(`^agent_\d+$`)

// homeSubdirs are created under every agent home by CreateHome.
var homeSubdirs = []string{"workspace", "logs", "tmp", ".config"}

// FS is a sandboxed virtual filesystem rooted at a host directory.
type FS struct {
	root string
	bus  *eventbus.Bus
}

// New creates an FS rooted at root, creating the root directory if needed.
func New(root string, bus *eventbus.Bus) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create vfs root %s", root)
	}
	return &FS{root: root, bus: bus}, nil
}

// Root returns the real host path the filesystem is rooted at.
func (f *FS) Root() string { return f.root }

// resolve maps a virtual posix path onto a real host path, normalizing it and
// rejecting anything that would resolve outside the root (following
// symlinks for any part of the path that already exists).
func (f *FS) resolve(virtual string) (string, error) {
	real := filepath.Join(f.root, filepath.FromSlash(virtual))

	// Resolve symlinks on the longest existing prefix of the path; a file
	// that does not exist yet (e.g. a write target) still has to have its
	// parent directory validated.
	check := real
	for {
		if _, err := os.Lstat(check); err == nil {
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}
	resolved, err := filepath.EvalSymlinks(check)
	if err != nil {
		// Path doesn't exist at all yet (e.g. deep mkdir -p target); fall back
		// to lexical containment check below.
		resolved = check
	}

	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.KindTransient, err, "resolve vfs root")
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", kernelerr.Permission("path %q escapes filesystem root", virtual)
	}
	if !strings.HasPrefix(real, rootAbs+string(filepath.Separator)) && real != rootAbs {
		return "", kernelerr.Permission("path %q escapes filesystem root", virtual)
	}
	return real, nil
}

func (f *FS) emit(virtual, changeType string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(types.Event{
		Topic: "fs.changed",
		Data: map[string]any{
			"path":       virtual,
			"changeType": changeType,
		},
	})
}

// ReadFile returns a file's content and size.
func (f *FS) ReadFile(virtual string) ([]byte, int64, error) {
	real, err := f.resolve(virtual)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, kernelerr.NotFound("file not found: %s", virtual)
		}
		if os.IsPermission(err) {
			return nil, 0, kernelerr.Permission("permission denied: %s", virtual)
		}
		return nil, 0, kernelerr.Wrap(kernelerr.KindTransient, err, "stat %s", virtual)
	}
	if info.IsDir() {
		return nil, 0, kernelerr.Validation("%s is a directory", virtual)
	}
	content, err := os.ReadFile(real)
	if err != nil {
		if os.IsPermission(err) {
			return nil, 0, kernelerr.Permission("permission denied: %s", virtual)
		}
		return nil, 0, kernelerr.Wrap(kernelerr.KindTransient, err, "read %s", virtual)
	}
	return content, int64(len(content)), nil
}

// WriteFile writes content atomically: write to a sibling temp file, then
// rename over the target. On any failure the temp file is removed.
func (f *FS) WriteFile(virtual string, content []byte, ownerUID string) error {
	real, err := f.resolve(virtual)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "create parent dir for %s", virtual)
	}

	tmp := fmt.Sprintf("%s.aether-tmp-%d", real, time.Now().UnixNano())
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		if isDiskFull(err) {
			return kernelerr.Transient("disk full writing %s", virtual)
		}
		if os.IsPermission(err) {
			return kernelerr.Permission("permission denied: %s", virtual)
		}
		return kernelerr.Wrap(kernelerr.KindTransient, err, "write temp file for %s", virtual)
	}
	if err := os.Rename(tmp, real); err != nil {
		os.Remove(tmp)
		return kernelerr.Wrap(kernelerr.KindTransient, err, "rename temp file for %s", virtual)
	}

	f.emit(virtual, "modify")
	return nil
}

func isDiskFull(err error) bool {
	return strings.Contains(err.Error(), "no space left on device")
}

// Mkdir creates a directory, optionally with parents (recursive).
func (f *FS) Mkdir(virtual string, recursive bool) error {
	real, err := f.resolve(virtual)
	if err != nil {
		return err
	}
	if recursive {
		err = os.MkdirAll(real, 0o755)
	} else {
		err = os.Mkdir(real, 0o755)
	}
	if err != nil {
		if os.IsExist(err) {
			return kernelerr.Validation("already exists: %s", virtual)
		}
		if os.IsPermission(err) {
			return kernelerr.Permission("permission denied: %s", virtual)
		}
		return kernelerr.Wrap(kernelerr.KindTransient, err, "mkdir %s", virtual)
	}
	f.emit(virtual, "create")
	return nil
}

// Rm removes a file or (if recursive) a directory tree.
func (f *FS) Rm(virtual string, recursive bool) error {
	real, err := f.resolve(virtual)
	if err != nil {
		return err
	}
	if recursive {
		err = os.RemoveAll(real)
	} else {
		err = os.Remove(real)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return kernelerr.NotFound("not found: %s", virtual)
		}
		if os.IsPermission(err) {
			return kernelerr.Permission("permission denied: %s", virtual)
		}
		return kernelerr.Wrap(kernelerr.KindTransient, err, "remove %s", virtual)
	}
	f.emit(virtual, "delete")
	return nil
}

// Mv renames/moves a file or directory.
func (f *FS) Mv(fromVirtual, toVirtual string) error {
	fromReal, err := f.resolve(fromVirtual)
	if err != nil {
		return err
	}
	toReal, err := f.resolve(toVirtual)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(toReal), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "create parent dir for %s", toVirtual)
	}
	if err := os.Rename(fromReal, toReal); err != nil {
		if os.IsNotExist(err) {
			return kernelerr.NotFound("not found: %s", fromVirtual)
		}
		return kernelerr.Wrap(kernelerr.KindTransient, err, "move %s to %s", fromVirtual, toVirtual)
	}
	f.emit(fromVirtual, "delete")
	f.emit(toVirtual, "create")
	return nil
}

// Cp copies a single file (directory copy is not supported; see Non-goals).
func (f *FS) Cp(fromVirtual, toVirtual string) error {
	content, _, err := f.ReadFile(fromVirtual)
	if err != nil {
		return err
	}
	return f.WriteFile(toVirtual, content, "")
}

// Ls lists a directory's entries, sorted directories-first then name-ascending.
func (f *FS) Ls(virtual string) ([]types.FileStat, error) {
	real, err := f.resolve(virtual)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernelerr.NotFound("not found: %s", virtual)
		}
		if os.IsPermission(err) {
			return nil, kernelerr.Permission("permission denied: %s", virtual)
		}
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "list %s", virtual)
	}

	stats := make([]types.FileStat, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats = append(stats, types.FileStat{
			Path:    path.Join(virtual, e.Name()),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].IsDir != stats[j].IsDir {
			return stats[i].IsDir
		}
		return stats[i].Path < stats[j].Path
	})
	return stats, nil
}

// Stat returns file metadata for a virtual path.
func (f *FS) Stat(virtual string) (types.FileStat, error) {
	real, err := f.resolve(virtual)
	if err != nil {
		return types.FileStat{}, err
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return types.FileStat{}, kernelerr.NotFound("not found: %s", virtual)
		}
		return types.FileStat{}, kernelerr.Wrap(kernelerr.KindTransient, err, "stat %s", virtual)
	}
	return types.FileStat{
		Path:    virtual,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}, nil
}

// Exists reports whether a virtual path resolves to an existing file or directory.
func (f *FS) Exists(virtual string) bool {
	real, err := f.resolve(virtual)
	if err != nil {
		return false
	}
	_, err = os.Stat(real)
	return err == nil
}

// homeDir returns the virtual home path for an agent uid.
func homeDir(uid string) string {
	return path.Join("/home", uid)
}

// HomePath returns the virtual home path for an agent uid, e.g. "/home/agent_3".
func HomePath(uid string) string {
	return homeDir(uid)
}

// CreateHome idempotently initializes /home/<uid> with standard subfolders
// and a default profile file.
func (f *FS) CreateHome(uid string) error {
	home := homeDir(uid)
	if err := f.Mkdir(home, true); err != nil {
		if kernelerr.KindOf(err) != kernelerr.KindValidation {
			return err
		}
	}
	for _, sub := range homeSubdirs {
		if err := f.Mkdir(path.Join(home, sub), true); err != nil && kernelerr.KindOf(err) != kernelerr.KindValidation {
			return err
		}
	}
	profile := path.Join(home, ".config", "profile.json")
	if !f.Exists(profile) {
		if err := f.WriteFile(profile, []byte(fmt.Sprintf(`{"uid":%q,"created":%q}`, uid, time.Now().UTC().Format(time.RFC3339))), uid); err != nil {
			return err
		}
	}
	f.emit(home, "create")
	logger := log.WithComponent("vfs")
	logger.Info().Str("uid", uid).Msg("agent home initialized")
	return nil
}

// RemoveHome removes an agent's home directory. Refuses anything not shaped
// like agent_<pid>, and refuses any resolved path outside <root>/home.
func (f *FS) RemoveHome(uid string) error {
	if !agentUIDRE.MatchString(uid) {
		return kernelerr.Permission("refusing to remove non-agent home: %s", uid)
	}
	home := homeDir(uid)
	real, err := f.resolve(home)
	if err != nil {
		return err
	}
	homesRoot := filepath.Join(f.root, "home")
	if !strings.HasPrefix(real, homesRoot+string(filepath.Separator)) {
		return kernelerr.Permission("resolved home path outside <root>/home: %s", uid)
	}
	return f.Rm(home, true)
}

// CreateSharedMount creates a shared directory under <root>/shared/<name>,
// owned by ownerPID.
func (f *FS) CreateSharedMount(name string, ownerPID int) (*types.SharedMount, error) {
	if !sharedMountNameRE.MatchString(name) {
		return nil, kernelerr.Validation("invalid shared mount name: %s", name)
	}
	virtual := path.Join("/shared", name)
	if err := f.Mkdir(virtual, true); err != nil && kernelerr.KindOf(err) != kernelerr.KindValidation {
		return nil, err
	}
	real, err := f.resolve(virtual)
	if err != nil {
		return nil, err
	}
	m := &types.SharedMount{
		Name:      name,
		HostPath:  real,
		Members:   nil,
		CreatedAt: time.Now(),
	}
	if f.bus != nil {
		f.bus.Publish(types.Event{Topic: "fs.sharedCreated", PID: ownerPID, Data: map[string]any{"name": name}})
	}
	return m, nil
}

// MountShared installs a symlink for a shared mount into uid's agent home,
// at mountPoint (relative to the home), or at <home>/<name> by default.
// The symlink target must remain inside the filesystem root.
func (f *FS) MountShared(uid string, mount *types.SharedMount, mountPoint string) error {
	if mountPoint == "" {
		mountPoint = mount.Name
	}
	linkVirtual := path.Join(homeDir(uid), mountPoint)
	linkReal, err := f.resolve(linkVirtual)
	if err != nil {
		return err
	}
	rootAbs, err := filepath.Abs(f.root)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "resolve root")
	}
	if !strings.HasPrefix(mount.HostPath, rootAbs+string(filepath.Separator)) {
		return kernelerr.Permission("shared mount target escapes filesystem root")
	}
	if err := os.MkdirAll(filepath.Dir(linkReal), 0o755); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "create parent dir for mount point")
	}
	os.Remove(linkReal)
	if err := os.Symlink(mount.HostPath, linkReal); err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "symlink shared mount")
	}
	f.emit(linkVirtual, "create")
	return nil
}

// OpenReal is a low-level helper used by SnapshotManager to stream a real
// file into an io.Writer (e.g. a tar archive entry) without going through
// the virtual path layer.
func (f *FS) OpenReal(virtual string) (io.ReadCloser, error) {
	real, err := f.resolve(virtual)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(real)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernelerr.NotFound("not found: %s", virtual)
		}
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "open %s", virtual)
	}
	return file, nil
}

// RealPath exposes the resolved host path for a virtual path; used by
// SnapshotManager to tar up an agent's home directory directly.
func (f *FS) RealPath(virtual string) (string, error) {
	return f.resolve(virtual)
}
