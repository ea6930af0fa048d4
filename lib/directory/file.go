// Meshport
// Copyright (C) 2025 Meshport, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package directory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
)

// fileDoc is the on-disk shape of a file directory.
type fileDoc struct {
	Clusters map[string]fileRecord `yaml:"clusters"`
}

type fileRecord struct {
	Node  string   `yaml:"node"`
	Relay string   `yaml:"relay,omitempty"`
	Addrs []string `yaml:"addrs,omitempty"`
}

// FileConfig configures a File directory.
type FileConfig struct {
	// Path is the YAML file holding the records. Agents sharing a mesh
	// point at the same file, typically on a shared mount.
	Path string
	// Watch reloads the file whenever it changes on disk. Without it
	// the directory serves the snapshot loaded at construction plus its
	// own publishes.
	Watch bool
	// Log emits watch and reload diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentDirectory)
	}
	return nil
}

// File is a Directory backed by a YAML file shared between agents.
// Publish rewrites the file atomically, merging with records other
// agents wrote since the last reload. A missing file reads as empty:
// it appears when the first agent publishes.
type File struct {
	path string
	log  *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.RWMutex
	records map[types.ClusterID]types.NodeAddr
}

// NewFile loads the directory file and, if configured, starts watching
// it for changes. Close releases the watch.
func NewFile(cfg FileConfig) (*File, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	f := &File{
		path: path,
		log:  cfg.Log,
	}
	if err := f.reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !cfg.Watch {
		return f, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Watch the parent directory: publishes replace the file by rename,
	// and a watch on the file itself dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, trace.ConvertSystemError(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.watcher = watcher
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.watchLoop(ctx)
	return f, nil
}

// Publish stores or replaces the record for the given cluster and
// rewrites the file.
func (f *File) Publish(ctx context.Context, id types.ClusterID, addr types.NodeAddr) error {
	if err := id.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := addr.Check(); err != nil {
		return trace.Wrap(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Merge against the file, not the snapshot, so records published by
	// other agents between reloads survive the rewrite.
	records, err := readRecords(f.path)
	if err != nil {
		return trace.Wrap(err)
	}
	records[id] = addr.Clone()
	if err := writeRecords(f.path, records); err != nil {
		return trace.Wrap(err)
	}
	f.records = records
	return nil
}

// Resolve returns the record for the given cluster from the current
// snapshot.
func (f *File) Resolve(ctx context.Context, id types.ClusterID) (types.NodeAddr, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	addr, ok := f.records[id]
	if !ok {
		return types.NodeAddr{}, trace.NotFound("cluster %q is not in directory file %v", id, f.path)
	}
	return addr.Clone(), nil
}

// Close stops the file watch, if one is running.
func (f *File) Close() error {
	if f.watcher == nil {
		return nil
	}
	f.cancel()
	err := f.watcher.Close()
	<-f.done
	return trace.Wrap(err)
}

func (f *File) watchLoop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				// Keep the previous snapshot until the file parses again.
				f.log.WarnContext(ctx, "Failed to reload directory file.", "file", f.path, "error", err)
				continue
			}
			f.log.DebugContext(ctx, "Reloaded directory file.", "file", f.path)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "Directory file watch error.", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (f *File) reload() error {
	records, err := readRecords(f.path)
	if err != nil {
		return trace.Wrap(err)
	}
	f.mu.Lock()
	f.records = records
	f.mu.Unlock()
	return nil
}

func readRecords(path string) (map[types.ClusterID]types.NodeAddr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[types.ClusterID]types.NodeAddr{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.BadParameter("malformed directory file %v: %v", path, err)
	}
	records := make(map[types.ClusterID]types.NodeAddr, len(doc.Clusters))
	for name, record := range doc.Clusters {
		id := types.ClusterID(name)
		addr := types.NodeAddr{
			NodeID:      types.NodeID(record.Node),
			RelayAddr:   record.Relay,
			DirectAddrs: record.Addrs,
		}
		if err := id.Check(); err != nil {
			return nil, trace.Wrap(err, "directory file %v", path)
		}
		if err := addr.Check(); err != nil {
			return nil, trace.Wrap(err, "directory file %v, cluster %q", path, name)
		}
		records[id] = addr
	}
	return records, nil
}

func writeRecords(path string, records map[types.ClusterID]types.NodeAddr) error {
	doc := fileDoc{Clusters: make(map[string]fileRecord, len(records))}
	for id, addr := range records {
		doc.Clusters[string(id)] = fileRecord{
			Node:  string(addr.NodeID),
			Relay: addr.RelayAddr,
			Addrs: addr.DirectAddrs,
		}
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return trace.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meshport-dir-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

var _ Directory = (*File)(nil)
