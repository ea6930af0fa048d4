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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/meshport/meshport/api/types"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/service"
)

// minimalYAML is a config with both roles that leaves everything
// optional to the defaults.
const minimalYAML = `meshport:
  cluster_id: east
mesh:
  directory:
    type: file
    path: /var/lib/meshport/directory.yaml
agent:
  enabled: true
  scanner:
    type: static
    path: /etc/meshport/services.yaml
proxy:
  enabled: true
`

func TestSampleConfig(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(MakeSampleFileConfig()))
	require.NoError(t, err)
	require.NoError(t, fc.CheckAndSetDefaults())

	require.Equal(t, "east", fc.Global.ClusterID)
	require.Equal(t, defaults.DataDir, fc.Global.DataDir)
	require.Equal(t, defaults.TransportQUIC, fc.Mesh.Transport)
	require.Equal(t, defaults.DirectoryTypeFile, fc.Mesh.Directory.Type)
	require.True(t, fc.Agent.Enabled)
	require.Equal(t, defaults.PublishInterval, fc.Agent.PublishInterval)
	require.Equal(t, defaults.ServiceRefreshInterval, fc.Agent.RefreshInterval)
	require.True(t, fc.Proxy.Enabled)
	require.Equal(t, defaults.MeshDomain, fc.Proxy.MeshDomain)
	require.Equal(t, defaults.BalancerRoundRobin, fc.Proxy.Balancer)
}

func TestReadConfig(t *testing.T) {
	t.Parallel()

	t.Run("durations and routes", func(t *testing.T) {
		t.Parallel()
		fc, err := ReadConfig(strings.NewReader(`meshport:
  cluster_id: east
mesh:
  transport: tls
  advertise_addrs: ["203.0.113.9"]
  directory:
    type: file
    path: /shared/directory.yaml
agent:
  enabled: true
  publish_interval: 90s
  refresh_interval: 1m
  scanner:
    type: static
    path: /etc/meshport/services.yaml
proxy:
  enabled: true
  routes:
    - host: billing.internal
      cluster: west
      service: billing
      namespace: payments
      port: 8443
`))
		require.NoError(t, err)
		require.Equal(t, 90*time.Second, fc.Agent.PublishInterval)
		require.Equal(t, time.Minute, fc.Agent.RefreshInterval)
		require.Equal(t, []string{"203.0.113.9"}, fc.Mesh.AdvertiseAddrs)
		require.Len(t, fc.Proxy.Routes, 1)
		require.Equal(t, "billing.internal", fc.Proxy.Routes[0].Host)
		require.Equal(t, uint16(8443), fc.Proxy.Routes[0].Port)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		t.Parallel()
		_, err := ReadConfig(strings.NewReader(`meshport:
  cluster: east
`))
		require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	})

	t.Run("malformed yaml rejected", func(t *testing.T) {
		t.Parallel()
		_, err := ReadConfig(strings.NewReader("meshport: [oops"))
		require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	})
}

func TestFileConfigDefaults(t *testing.T) {
	t.Parallel()

	fc, err := ReadConfig(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.NoError(t, fc.CheckAndSetDefaults())

	require.Equal(t, defaults.DataDir, fc.Global.DataDir)
	require.Equal(t, "info", fc.Global.Log.Severity)
	require.Equal(t, "text", fc.Global.Log.Format)
	require.Equal(t, fmt.Sprintf("0.0.0.0:%d", defaults.MeshListenPort), fc.Mesh.ListenAddr)
	require.Equal(t, defaults.TransportQUIC, fc.Mesh.Transport)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", defaults.AdminListenPort), fc.Agent.AdminAddr)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", defaults.ProxyListenPort), fc.Proxy.ListenAddr)
	require.Equal(t, defaults.MeshDomain, fc.Proxy.MeshDomain)
	require.Equal(t, defaults.BalancerRoundRobin, fc.Proxy.Balancer)
}

func TestFileConfigValidation(t *testing.T) {
	t.Parallel()

	breaks := map[string]func(fc *FileConfig){
		"missing cluster id": func(fc *FileConfig) {
			fc.Global.ClusterID = ""
		},
		"unknown transport": func(fc *FileConfig) {
			fc.Mesh.Transport = "sctp"
		},
		"missing directory type": func(fc *FileConfig) {
			fc.Mesh.Directory = DirectoryConfig{}
		},
		"file directory without a path": func(fc *FileConfig) {
			fc.Mesh.Directory.Path = ""
		},
		"dns directory on an agent node": func(fc *FileConfig) {
			fc.Mesh.Directory = DirectoryConfig{
				Type:    defaults.DirectoryTypeDNS,
				DNSZone: "mesh.example.com",
			}
		},
		"agent without a scanner": func(fc *FileConfig) {
			fc.Agent.Scanner = ScannerConfig{}
		},
		"unknown scanner type": func(fc *FileConfig) {
			fc.Agent.Scanner.Type = "kubernetes"
		},
		"no roles": func(fc *FileConfig) {
			fc.Agent.Enabled = false
			fc.Proxy.Enabled = false
		},
		"unknown balancer": func(fc *FileConfig) {
			fc.Proxy.Balancer = "random"
		},
		"unknown severity": func(fc *FileConfig) {
			fc.Global.Log.Severity = "verbose"
		},
		"route without a host": func(fc *FileConfig) {
			fc.Proxy.Routes = []RouteConfig{{Cluster: "west", Service: "billing", Namespace: "payments"}}
		},
		"route without a namespace": func(fc *FileConfig) {
			fc.Proxy.Routes = []RouteConfig{{Host: "billing.internal", Cluster: "west", Service: "billing"}}
		},
	}
	for name, breakCfg := range breaks {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fc, err := ReadConfig(strings.NewReader(minimalYAML))
			require.NoError(t, err)
			breakCfg(fc)
			err = fc.CheckAndSetDefaults()
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	writeConfig := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "meshport.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("file applied with defaults", func(t *testing.T) {
		t.Parallel()
		path := writeConfig(t, minimalYAML)
		var cfg service.Config
		require.NoError(t, Configure(&CommandLineFlags{ConfigFile: path}, &cfg))

		require.Equal(t, types.ClusterID("east"), cfg.ClusterID)
		require.Equal(t, defaults.DataDir, cfg.DataDir)
		require.Equal(t, "info", cfg.LogSeverity)
		require.True(t, cfg.Agent.Enabled)
		require.True(t, cfg.Proxy.Enabled)
		require.Equal(t, defaults.ScannerTypeStatic, cfg.Agent.ScannerType)
		require.Equal(t, "/etc/meshport/services.yaml", cfg.Agent.ScannerPath)
		require.Equal(t, defaults.DirectoryTypeFile, cfg.Directory.Type)
		require.Equal(t, defaults.BalancerRoundRobin, cfg.Proxy.Balancer)
	})

	t.Run("roles override", func(t *testing.T) {
		t.Parallel()
		path := writeConfig(t, minimalYAML)
		var cfg service.Config
		require.NoError(t, Configure(&CommandLineFlags{ConfigFile: path, Roles: "proxy"}, &cfg))
		require.False(t, cfg.Agent.Enabled)
		require.True(t, cfg.Proxy.Enabled)
	})

	t.Run("unknown role", func(t *testing.T) {
		t.Parallel()
		path := writeConfig(t, minimalYAML)
		var cfg service.Config
		err := Configure(&CommandLineFlags{ConfigFile: path, Roles: "agent,router"}, &cfg)
		require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	})

	t.Run("debug flag wins", func(t *testing.T) {
		t.Parallel()
		path := writeConfig(t, minimalYAML)
		var cfg service.Config
		require.NoError(t, Configure(&CommandLineFlags{ConfigFile: path, Debug: true}, &cfg))
		require.Equal(t, "debug", cfg.LogSeverity)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		t.Parallel()
		var cfg service.Config
		err := Configure(&CommandLineFlags{
			ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"),
		}, &cfg)
		require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	})
}

func TestApplyFileConfigRoutes(t *testing.T) {
	t.Parallel()

	fc := &FileConfig{
		Global: GlobalConfig{ClusterID: "east"},
		Proxy: ProxyConfig{
			Enabled: true,
			Routes: []RouteConfig{
				{Host: "Billing.Internal", Cluster: "west", Service: "billing", Namespace: "payments", Port: 8443},
				{Host: "ledger.internal", Cluster: "west", Service: "ledger", Namespace: "payments"},
			},
		},
	}
	var cfg service.Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))
	require.Len(t, cfg.Proxy.StaticRoutes, 2)
	// Hostnames match case-insensitively, the map is kept lowercase.
	require.Equal(t, types.CrossClusterRoute{
		Cluster:   "west",
		Service:   "billing",
		Namespace: "payments",
		Port:      8443,
	}, cfg.Proxy.StaticRoutes["billing.internal"])

	fc.Proxy.Routes = append(fc.Proxy.Routes, RouteConfig{
		Host: "BILLING.internal", Cluster: "east", Service: "other", Namespace: "payments",
	})
	err := ApplyFileConfig(fc, &cfg)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestWriteSystemdUnitFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteSystemdUnitFile(SystemdFlags{
		EnvironmentFile:     SystemdDefaultEnvironmentFile,
		PIDFile:             SystemdDefaultPIDFile,
		FileDescriptorLimit: SystemdDefaultFileDescriptorLimit,
		InstallationFile:    "/usr/local/bin/meshport",
		ConfigPath:          "/etc/meshport.yaml",
	}, &buf))

	unit := buf.String()
	require.Contains(t, unit, "ExecStart=/usr/local/bin/meshport start --config /etc/meshport.yaml --pid-file=/run/meshport.pid")
	require.Contains(t, unit, "EnvironmentFile=-/etc/default/meshport")
	require.Contains(t, unit, "LimitNOFILE=65536")
	require.Contains(t, unit, "PIDFile=/run/meshport.pid")
}
