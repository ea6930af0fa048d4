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

package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/api/types"
)

// staticDoc is the on-disk shape of a static service inventory.
type staticDoc struct {
	Services []staticService `yaml:"services"`
}

type staticService struct {
	Name      string           `yaml:"name"`
	Namespace string           `yaml:"namespace"`
	Port      uint16           `yaml:"port"`
	Protocol  string           `yaml:"protocol,omitempty"`
	Endpoints []staticEndpoint `yaml:"endpoints,omitempty"`
}

type staticEndpoint struct {
	Addr string `yaml:"addr"`
	// Port defaults to the service port.
	Port uint16 `yaml:"port,omitempty"`
	// Weight biases weighted balancing, default 1.
	Weight uint32 `yaml:"weight,omitempty"`
}

// StaticConfig configures a Static scanner.
type StaticConfig struct {
	// Path is the YAML service inventory.
	Path string
	// Watch reloads the inventory when it changes on disk and emits
	// change events for the differences.
	Watch bool
	// Log emits reload diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StaticConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Log == nil {
		c.Log = slog.With(meshport.ComponentKey, meshport.ComponentScanner)
	}
	return nil
}

// Static is a Scanner reading a fixed service inventory from a YAML
// file. With Watch enabled, edits to the file show up in List results
// and on the change watch.
type Static struct {
	path string
	log  *slog.Logger
	feed feed

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.RWMutex
	entries map[serviceKey]serviceEntry
}

// NewStatic loads the inventory and, if configured, starts watching it
// for changes. Close releases the watch.
func NewStatic(cfg StaticConfig) (*Static, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	entries, err := readInventory(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Static{
		path:    path,
		log:     cfg.Log,
		feed:    feed{log: cfg.Log},
		entries: entries,
	}
	if !cfg.Watch {
		return s, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Watch the parent directory so rename-style rewrites keep working.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, trace.ConvertSystemError(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.watchLoop(ctx)
	return s, nil
}

// ListServices returns the services in the given namespace, every
// namespace when it is empty.
func (s *Static) ListServices(ctx context.Context, namespace string) ([]types.ServiceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listServices(s.entries, namespace), nil
}

// ListEndpoints returns the endpoints of one service.
func (s *Static) ListEndpoints(ctx context.Context, service, namespace string) ([]types.ServiceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[serviceKey{name: service, namespace: namespace}]
	if !ok {
		return nil, trace.NotFound("service %q is not in namespace %q", service, namespace)
	}
	return slices.Clone(entry.endpoints), nil
}

// WatchChanges starts the change watch. See Scanner for its contract.
func (s *Static) WatchChanges(ctx context.Context) (<-chan Event, error) {
	ch, err := s.feed.subscribe(ctx)
	return ch, trace.Wrap(err)
}

// Close stops the file watch, if one is running.
func (s *Static) Close() error {
	if s.watcher == nil {
		return nil
	}
	s.cancel()
	err := s.watcher.Close()
	<-s.done
	return trace.Wrap(err)
}

func (s *Static) watchLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(ctx); err != nil {
				// Keep the previous inventory until the file parses again.
				s.log.WarnContext(ctx, "Failed to reload service inventory.", "file", s.path, "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WarnContext(ctx, "Service inventory watch error.", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Static) reload(ctx context.Context) error {
	entries, err := readInventory(s.path)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	events := diffEntries(s.entries, entries)
	s.entries = entries
	s.mu.Unlock()
	if len(events) > 0 {
		s.log.DebugContext(ctx, "Reloaded service inventory.", "file", s.path, "changes", len(events))
		s.feed.emit(ctx, events...)
	}
	return nil
}

func readInventory(path string) (map[serviceKey]serviceEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var doc staticDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.BadParameter("malformed service inventory %v: %v", path, err)
	}
	entries := make(map[serviceKey]serviceEntry, len(doc.Services))
	for _, svc := range doc.Services {
		if svc.Name == "" || svc.Namespace == "" {
			return nil, trace.BadParameter("service inventory %v: every service needs a name and a namespace", path)
		}
		if svc.Port == 0 {
			return nil, trace.BadParameter("service inventory %v: service %v/%v needs a port", path, svc.Namespace, svc.Name)
		}
		protocol := svc.Protocol
		if protocol == "" {
			protocol = "http"
		}
		entry := serviceEntry{
			info: types.ServiceInfo{
				Name:      svc.Name,
				Namespace: svc.Namespace,
				Port:      svc.Port,
				Protocol:  protocol,
			},
		}
		for _, ep := range svc.Endpoints {
			port := ep.Port
			if port == 0 {
				port = svc.Port
			}
			endpoint := types.ServiceEndpoint{Addr: ep.Addr, Port: port, Weight: ep.Weight}
			if err := endpoint.Check(); err != nil {
				return nil, trace.Wrap(err, "service inventory %v, service %v/%v", path, svc.Namespace, svc.Name)
			}
			entry.endpoints = append(entry.endpoints, endpoint)
		}
		key := serviceKey{name: svc.Name, namespace: svc.Namespace}
		if _, ok := entries[key]; ok {
			return nil, trace.BadParameter("service inventory %v: service %v/%v appears twice", path, svc.Namespace, svc.Name)
		}
		entries[key] = entry
	}
	return entries, nil
}

var _ Scanner = (*Static)(nil)
