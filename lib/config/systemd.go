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
	"io"
	"os"
	"text/template"

	"github.com/gravitational/trace"

	"github.com/meshport/meshport/lib/defaults"
)

const (
	// SystemdDefaultEnvironmentFile is the default path of the unit's
	// environment file.
	SystemdDefaultEnvironmentFile = "/etc/default/meshport"
	// SystemdDefaultPIDFile is the default path of the unit's PID file.
	SystemdDefaultPIDFile = "/run/meshport.pid"
	// SystemdDefaultFileDescriptorLimit is the default NOFILE limit of
	// the unit. The proxy holds a descriptor per intercepted connection.
	SystemdDefaultFileDescriptorLimit = 65536
)

var systemdUnitFileTemplate = template.Must(template.New("").Parse(`[Unit]
Description=Meshport Service
After=network.target

[Service]
Type=simple
Restart=on-failure
RestartSec=5
EnvironmentFile=-{{ .EnvironmentFile }}
ExecStart={{ .InstallationFile }} start --config {{ .ConfigPath }} --pid-file={{ .PIDFile }}
ExecReload=/bin/sh -c "exec pkill -HUP -L -F {{ .PIDFile }}"
PIDFile={{ .PIDFile }}
LimitNOFILE={{ .FileDescriptorLimit }}

[Install]
WantedBy=multi-user.target
`))

// SystemdFlags are the parameters of a generated systemd unit file.
type SystemdFlags struct {
	// EnvironmentFile is the environment file path.
	EnvironmentFile string
	// PIDFile is the PID file path.
	PIDFile string
	// FileDescriptorLimit is the unit's NOFILE limit.
	FileDescriptorLimit int
	// InstallationFile is the path of the meshport binary.
	InstallationFile string
	// ConfigPath is the config file the unit starts with.
	ConfigPath string
}

// CheckAndSetDefaults validates the flags and fills in defaults.
func (f *SystemdFlags) CheckAndSetDefaults() error {
	if f.InstallationFile == "" {
		path, err := os.Executable()
		if err != nil {
			return trace.Wrap(err, "cannot find the meshport binary, pass its path explicitly")
		}
		f.InstallationFile = path
	}
	if f.ConfigPath == "" {
		f.ConfigPath = defaults.ConfigFilePath
	}
	return nil
}

// WriteSystemdUnitFile renders the systemd unit for the given flags.
func WriteSystemdUnitFile(flags SystemdFlags, dest io.Writer) error {
	if err := flags.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(systemdUnitFileTemplate.Execute(dest, flags))
}
