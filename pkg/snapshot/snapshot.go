// Package snapshot implements the kernel's SnapshotManager: point-in-time
// capture and restore of a single process's state, home directory and
// memories. The collect -> marshal -> persist / decode -> replay shape
// mirrors a Raft-style FSM snapshot/restore pair, adapted from "whole-state
// snapshot for log compaction" to "single-process snapshot for pause/resume":
// the body is still a marshaled struct written to disk, but the payload is
// one process's table entry, mailbox and memories rather than an entire
// state machine, and there is no replicated log index to fence against.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/memory"
	"github.com/aethercore/kernel/pkg/process"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
	"github.com/aethercore/kernel/pkg/vfs"
)

const manifestVersion = 1

// ResourceUsage is the advisory resource snapshot captured alongside a process.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes int64   `json:"memoryBytes"`
}

// body is the full, uncompressed state captured by createSnapshot. It is
// written as-is to <pid>-<ts>.json.
type body struct {
	SnapshotID    string                `json:"snapshotId"`
	PID           int                   `json:"pid"`
	Process       *types.Process        `json:"process"`
	IPCMessages   []*types.IPCMessage   `json:"ipcMessages"`
	Memories      []*types.MemoryRecord `json:"memories"`
	ResourceUsage ResourceUsage         `json:"resourceUsage"`
	Description   string                `json:"description"`
	CreatedAt     time.Time             `json:"createdAt"`
}

// Manager implements create/restore/validate over process, vfs and memory
// state, persisting bodies, tarballs and manifests under a snapshot root
// directory and recording an index entry per snapshot in the durable store.
type Manager struct {
	store     storage.Store
	bus       *eventbus.Bus
	root      string
	processes *process.Manager
	memories  *memory.Manager
	fs        *vfs.FS
}

// New creates a Manager. Snapshot artifacts are written under root.
func New(store storage.Store, bus *eventbus.Bus, root string, processes *process.Manager, memories *memory.Manager, fs *vfs.FS) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create snapshot root %s", root)
	}
	return &Manager{store: store, bus: bus, root: root, processes: processes, memories: memories, fs: fs}, nil
}

func (m *Manager) emit(topic string, pid int, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(types.Event{Topic: topic, PID: pid, Data: data})
}

// CreateSnapshot stops pid, collects its process record, queued IPC
// messages, memories and advisory resource usage, writes the body, tars the
// agent home, computes and manifests its hash, records the snapshot and
// resumes pid regardless of outcome.
func (m *Manager) CreateSnapshot(pid int, description string) (*types.Snapshot, error) {
	proc, err := m.processes.Get(pid)
	if err != nil {
		return nil, err
	}

	if err := m.processes.Signal(pid, types.SIGSTOP); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.processes.Signal(pid, types.SIGCONT); err != nil {
			logger := log.WithPID(pid)
			logger.Warn().Err(err).Msg("snapshot: failed to resume process after capture")
		}
	}()

	snap, err := m.capture(pid, proc, description)
	if err != nil {
		return nil, err
	}
	m.emit("snapshot.created", pid, map[string]any{"id": snap.ID})
	return snap, nil
}

func (m *Manager) capture(pid int, proc *types.Process, description string) (*types.Snapshot, error) {
	ts := time.Now().UTC()
	id := fmt.Sprintf("%d-%d", pid, ts.UnixNano())

	ipc, err := m.processes.PeekMessages(pid)
	if err != nil {
		return nil, err
	}
	mems, err := m.memories.Recall(memory.RecallQuery{OwnerPID: pid, Limit: 1 << 20})
	if err != nil {
		return nil, err
	}

	b := body{
		SnapshotID:    id,
		PID:           pid,
		Process:       proc,
		IPCMessages:   ipc,
		Memories:      mems,
		ResourceUsage: ResourceUsage{CPUPercent: proc.CPUPercent, MemoryBytes: proc.MemoryBytes},
		Description:   description,
		CreatedAt:     ts,
	}

	bodyPath := filepath.Join(m.root, id+".json")
	bodyJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindInternal, err, "marshal snapshot body")
	}
	if err := os.WriteFile(bodyPath, bodyJSON, 0o644); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "write snapshot body")
	}

	tarballPath := filepath.Join(m.root, id+".tar.gz")
	files, err := m.writeTarball(proc.OwnerID, tarballPath)
	if err != nil {
		return nil, err
	}

	sum, size, err := sha256File(tarballPath)
	if err != nil {
		return nil, err
	}

	manifest := types.SnapshotManifest{
		Version:     manifestVersion,
		SnapshotID:  id,
		PID:         pid,
		ProcessName: proc.Name,
		State:       proc.State,
		Files:       files,
		MemoryCount: len(mems),
		CreatedAt:   ts,
		SHA256:      sum,
	}
	manifestPath := filepath.Join(m.root, id+".manifest.json")
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindInternal, err, "marshal snapshot manifest")
	}
	if err := os.WriteFile(manifestPath, manifestJSON, 0o644); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "write snapshot manifest")
	}

	snap := &types.Snapshot{
		ID:           id,
		PID:          pid,
		BodyPath:     bodyPath,
		TarballPath:  tarballPath,
		ManifestPath: manifestPath,
		ManifestSHA:  sum,
		SizeBytes:    size,
		CreatedAt:    ts,
		Label:        description,
	}
	if err := m.store.CreateSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// writeTarball archives /home/<uid> (or an empty archive if it doesn't
// exist) into dest, returning the list of archived file names.
func (m *Manager) writeTarball(uid, dest string) ([]string, error) {
	out, err := os.Create(dest)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "create tarball %s", dest)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var files []string
	homeReal, err := m.fs.RealPath(fmt.Sprintf("/home/%s", uid))
	if err == nil {
		if info, statErr := os.Stat(homeReal); statErr == nil && info.IsDir() {
			files, err = archiveDir(tw, homeReal, "")
			if err != nil {
				tw.Close()
				gz.Close()
				return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "archive home for %s", uid)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "close tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "close gzip writer")
	}
	return files, nil
}

func archiveDir(tw *tar.Writer, dir, prefix string) ([]string, error) {
	var names []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		rel := e.Name()
		if prefix != "" {
			rel = prefix + "/" + e.Name()
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if e.IsDir() {
			sub, err := archiveDir(tw, full, rel)
			if err != nil {
				return nil, err
			}
			names = append(names, sub...)
			continue
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		f, err := os.Open(full)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		names = append(names, rel)
	}
	return names, nil
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, kernelerr.Wrap(kernelerr.KindTransient, err, "open %s for hashing", path)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, kernelerr.Wrap(kernelerr.KindTransient, err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// RestoreSnapshot validates the manifest hash, spawns a new process from the
// saved config, extracts the tarball into the new owner's home (copying
// across uids if they differ), best-effort restores memories and carries
// forward advisory resource metrics.
func (m *Manager) RestoreSnapshot(ctx context.Context, id string) (*types.Process, error) {
	if errs := m.ValidateSnapshot(id); len(errs) > 0 {
		return nil, kernelerr.Validation("snapshot %s failed validation: %v", id, errs)
	}
	snap, err := m.store.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	bodyJSON, err := os.ReadFile(snap.BodyPath)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindTransient, err, "read snapshot body")
	}
	var b body
	if err := json.Unmarshal(bodyJSON, &b); err != nil {
		return nil, kernelerr.Wrap(kernelerr.KindInternal, err, "decode snapshot body")
	}

	cfg := b.Process.Config
	newProc, err := m.processes.Spawn(ctx, cfg, "", b.Process.ParentPID)
	if err != nil {
		return nil, err
	}
	if err := refreshHostEnv(m.processes, newProc); err != nil {
		return nil, err
	}

	if err := m.restoreHome(b.Process.OwnerID, newProc.OwnerID, snap.TarballPath); err != nil {
		return nil, err
	}

	restoredCount := 0
	for _, rec := range b.Memories {
		rec.OwnerPID = newProc.PID
		rec.OwnerUID = newProc.OwnerID
		if _, err := m.memories.Store(memory.StoreRequest{
			OwnerPID:   newProc.PID,
			OwnerUID:   newProc.OwnerID,
			Layer:      rec.Layer,
			Content:    rec.Content,
			Importance: rec.Importance,
			Tags:       rec.Tags,
			ExpiresAt:  rec.ExpiresAt,
			SourcePID:  rec.SourcePID,
		}); err == nil {
			restoredCount++
		}
	}

	newProc.CPUPercent = b.ResourceUsage.CPUPercent
	newProc.MemoryBytes = b.ResourceUsage.MemoryBytes

	m.emit("snapshot.restored", newProc.PID, map[string]any{"id": id, "fromPid": b.PID, "memoriesRestored": restoredCount})
	return newProc, nil
}

// refreshHostEnv overwrites the host-managed HOME/USER/SHELL/TERM entries in
// a freshly-spawned process's environment with values derived from its own
// PID/owner uid rather than carrying over the snapshotted body's values
// verbatim, per spec §4.8's "re-inject non-preserved environment entries
// (keep host-managed HOME, USER, SHELL, TERM fresh)."
func refreshHostEnv(processes *process.Manager, p *types.Process) error {
	env := make(map[string]string, len(p.Env)+4)
	for k, v := range p.Env {
		env[k] = v
	}
	env["HOME"] = vfs.HomePath(p.OwnerID)
	env["USER"] = p.OwnerID
	env["SHELL"] = "/bin/sh"
	env["TERM"] = "xterm"
	p.Env = env
	return processes.SetEnv(p.PID, env)
}

// restoreHome extracts tarballPath into the new owner's home directory. When
// the original and new uids differ, files are extracted into the new home
// directly (there is nothing at the old uid's path to clean up, since the
// snapshot is being restored as a distinct process).
func (m *Manager) restoreHome(oldUID, newUID, tarballPath string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "open tarball")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindTransient, err, "open gzip reader")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	if err := m.fs.CreateHome(newUID); err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return kernelerr.Wrap(kernelerr.KindTransient, err, "read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return kernelerr.Wrap(kernelerr.KindTransient, err, "read tar entry %s", hdr.Name)
		}
		dest := fmt.Sprintf("/home/%s/%s", newUID, hdr.Name)
		if err := m.fs.WriteFile(dest, content, newUID); err != nil {
			return err
		}
	}
	_ = oldUID
	return nil
}

// ValidateSnapshot returns a description of every consistency problem found
// with a recorded snapshot: missing artifacts, a manifest version mismatch,
// a snapshot id mismatch, or a tarball whose hash no longer matches the
// manifest.
func (m *Manager) ValidateSnapshot(id string) []string {
	var errs []string
	snap, err := m.store.GetSnapshot(id)
	if err != nil {
		return []string{fmt.Sprintf("snapshot record not found: %v", err)}
	}

	if _, err := os.Stat(snap.BodyPath); err != nil {
		errs = append(errs, fmt.Sprintf("body missing: %s", snap.BodyPath))
	}
	if _, err := os.Stat(snap.TarballPath); err != nil {
		errs = append(errs, fmt.Sprintf("tarball missing: %s", snap.TarballPath))
	}
	manifestJSON, err := os.ReadFile(snap.ManifestPath)
	if err != nil {
		errs = append(errs, fmt.Sprintf("manifest missing: %s", snap.ManifestPath))
		return errs
	}

	var manifest types.SnapshotManifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		errs = append(errs, fmt.Sprintf("manifest corrupt: %v", err))
		return errs
	}
	if manifest.SnapshotID != id {
		errs = append(errs, fmt.Sprintf("manifest id %q does not match snapshot id %q", manifest.SnapshotID, id))
	}
	if manifest.Version != manifestVersion {
		errs = append(errs, fmt.Sprintf("manifest version %d does not match expected version %d", manifest.Version, manifestVersion))
	}

	if _, statErr := os.Stat(snap.TarballPath); statErr == nil {
		sum, _, err := sha256File(snap.TarballPath)
		if err != nil {
			errs = append(errs, fmt.Sprintf("unable to hash tarball: %v", err))
		} else if sum != manifest.SHA256 {
			errs = append(errs, fmt.Sprintf("tarball hash %s does not match manifest hash %s", sum, manifest.SHA256))
		}
	}
	return errs
}
