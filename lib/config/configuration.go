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

// Package config reads the meshport YAML configuration file, folds the
// command line into it and produces the runtime configuration the
// service package assembles a node from.
package config

import (
	"slices"
	"strings"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/service"
)

// CommandLineFlags are the flags `meshport start` folds into the file
// configuration.
type CommandLineFlags struct {
	// ConfigFile is an explicit configuration file path. Empty falls
	// back to the default location.
	ConfigFile string
	// Roles overrides the enabled role sections, a comma-separated
	// subset of agent and proxy.
	Roles string
	// Debug forces debug severity regardless of the file.
	Debug bool
	// PIDFile is where the running process writes its pid, empty for
	// none.
	PIDFile string
}

// Configure reads the configuration file, applies the command line on
// top and fills cfg. Without --config the default location is used; if
// nothing is there the error suggests generating a file.
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	path := clf.ConfigFile
	if path == "" {
		path = defaults.ConfigFilePath
	}
	fc, err := ReadConfigFile(path)
	if err != nil {
		if trace.IsNotFound(err) && clf.ConfigFile == "" {
			return trace.NotFound("no configuration file at %v, generate one with 'meshport configure'", path)
		}
		return trace.Wrap(err)
	}
	if clf.Roles != "" {
		if err := applyRoles(fc, clf.Roles); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}
	if clf.Debug {
		cfg.LogSeverity = "debug"
	}
	return nil
}

// applyRoles rewrites the enabled flags of the role sections from a
// comma-separated list, leaving the sections' settings alone.
func applyRoles(fc *FileConfig, roles string) error {
	fc.Agent.Enabled = false
	fc.Proxy.Enabled = false
	for _, role := range strings.Split(roles, ",") {
		switch strings.TrimSpace(role) {
		case "agent":
			fc.Agent.Enabled = true
		case "proxy":
			fc.Proxy.Enabled = true
		default:
			return trace.BadParameter("unknown role %q, use agent or proxy", strings.TrimSpace(role))
		}
	}
	return nil
}

// ApplyFileConfig maps a validated file configuration onto the runtime
// configuration.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	cfg.ClusterID = types.ClusterID(fc.Global.ClusterID)
	cfg.DataDir = fc.Global.DataDir
	cfg.LogSeverity = strings.ToLower(fc.Global.Log.Severity)
	cfg.LogFormat = strings.ToLower(fc.Global.Log.Format)
	cfg.Mesh = service.MeshConfig{
		ListenAddr:     fc.Mesh.ListenAddr,
		Transport:      fc.Mesh.Transport,
		AdvertiseAddrs: slices.Clone(fc.Mesh.AdvertiseAddrs),
		RelayAddr:      fc.Mesh.RelayAddr,
	}
	cfg.Directory = service.DirectoryConfig{
		Type:      fc.Mesh.Directory.Type,
		Path:      fc.Mesh.Directory.Path,
		DNSZone:   fc.Mesh.Directory.DNSZone,
		Resolvers: slices.Clone(fc.Mesh.Directory.Resolvers),
	}
	cfg.Agent = service.AgentConfig{
		Enabled:         fc.Agent.Enabled,
		AdminAddr:       fc.Agent.AdminAddr,
		PublishInterval: fc.Agent.PublishInterval,
		RefreshInterval: fc.Agent.RefreshInterval,
		ScannerType:     fc.Agent.Scanner.Type,
		ScannerPath:     fc.Agent.Scanner.Path,
	}
	proxy := service.ProxyConfig{
		Enabled:    fc.Proxy.Enabled,
		ListenAddr: fc.Proxy.ListenAddr,
		MeshDomain: fc.Proxy.MeshDomain,
		Balancer:   fc.Proxy.Balancer,
	}
	if len(fc.Proxy.Routes) > 0 {
		proxy.StaticRoutes = make(map[string]types.CrossClusterRoute, len(fc.Proxy.Routes))
		for _, route := range fc.Proxy.Routes {
			host := strings.ToLower(route.Host)
			if _, ok := proxy.StaticRoutes[host]; ok {
				return trace.BadParameter("proxy route for host %q is declared twice", route.Host)
			}
			proxy.StaticRoutes[host] = types.CrossClusterRoute{
				Cluster:   types.ClusterID(route.Cluster),
				Service:   route.Service,
				Namespace: route.Namespace,
				Port:      route.Port,
			}
		}
	}
	cfg.Proxy = proxy
	return nil
}
