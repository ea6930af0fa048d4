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

// Command meshport runs a mesh node and the small helpers around it:
// sample config generation, systemd installation and a status client
// for the local admin endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/meshport/meshport"
	"github.com/meshport/meshport/lib/agent"
	"github.com/meshport/meshport/lib/config"
	"github.com/meshport/meshport/lib/defaults"
	"github.com/meshport/meshport/lib/service"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

// cliConf collects every flag the commands accept.
type cliConf struct {
	ConfigFile string
	Roles      string
	Debug      bool
	PIDFile    string

	SampleOutput string

	SystemdEnvFile string
	SystemdPIDFile string
	SystemdFDLimit int
	SystemdBinary  string
	SystemdOutput  string

	AdminAddr string
}

// Run parses the command line and dispatches the selected command.
func Run(args []string) error {
	var cf cliConf
	app := kingpin.New("meshport", "Meshport connects Kubernetes clusters into one service mesh.")
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Path to the configuration file.").Short('c').StringVar(&cf.ConfigFile)

	startCmd := app.Command("start", "Start the mesh node.")
	startCmd.Flag("roles", "Comma-separated roles to enable, overriding the file: agent, proxy.").Short('r').StringVar(&cf.Roles)
	startCmd.Flag("pid-file", "Write the process ID to this file while running.").StringVar(&cf.PIDFile)

	configureCmd := app.Command("configure", "Print a sample configuration file.")
	configureCmd.Flag("output", "Write the sample to this path instead of stdout.").Short('o').StringVar(&cf.SampleOutput)

	installCmd := app.Command("install", "Generate installation artifacts.")
	installSystemdCmd := installCmd.Command("systemd", "Print a systemd unit file.")
	installSystemdCmd.Flag("env-file", "Path of the unit's environment file.").
		Default(config.SystemdDefaultEnvironmentFile).StringVar(&cf.SystemdEnvFile)
	installSystemdCmd.Flag("pid-file", "Path of the unit's PID file.").
		Default(config.SystemdDefaultPIDFile).StringVar(&cf.SystemdPIDFile)
	installSystemdCmd.Flag("fd-limit", "File descriptor limit of the unit.").
		Default(strconv.Itoa(config.SystemdDefaultFileDescriptorLimit)).IntVar(&cf.SystemdFDLimit)
	installSystemdCmd.Flag("binary", "Path of the meshport binary, discovered when empty.").
		StringVar(&cf.SystemdBinary)
	installSystemdCmd.Flag("output", "Write the unit to this path instead of stdout.").
		Short('o').StringVar(&cf.SystemdOutput)

	statusCmd := app.Command("status", "Query the status of the local node.")
	statusCmd.Flag("admin-addr", "Admin endpoint of the node.").
		Default(fmt.Sprintf("127.0.0.1:%d", defaults.AdminListenPort)).StringVar(&cf.AdminAddr)

	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return onStart(config.CommandLineFlags{
			ConfigFile: cf.ConfigFile,
			Roles:      cf.Roles,
			Debug:      cf.Debug,
			PIDFile:    cf.PIDFile,
		})
	case configureCmd.FullCommand():
		return onConfigure(cf.SampleOutput)
	case installSystemdCmd.FullCommand():
		return onInstallSystemd(config.SystemdFlags{
			EnvironmentFile:     cf.SystemdEnvFile,
			PIDFile:             cf.SystemdPIDFile,
			FileDescriptorLimit: cf.SystemdFDLimit,
			InstallationFile:    cf.SystemdBinary,
			ConfigPath:          cf.ConfigFile,
		}, cf.SystemdOutput)
	case statusCmd.FullCommand():
		return onStatus(cf.AdminAddr)
	case versionCmd.FullCommand():
		fmt.Printf("meshport v%v %v %v/%v\n",
			meshport.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

// onStart runs the node until SIGINT or SIGTERM. SIGHUP drains the
// node and rebuilds it from a freshly read configuration file.
func onStart(clf config.CommandLineFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if clf.PIDFile != "" {
		if err := os.WriteFile(clf.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return trace.ConvertSystemError(err)
		}
		defer os.Remove(clf.PIDFile)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		var cfg service.Config
		if err := config.Configure(&clf, &cfg); err != nil {
			return trace.Wrap(err)
		}
		log, err := service.NewLogger(cfg.LogSeverity, cfg.LogFormat)
		if err != nil {
			return trace.Wrap(err)
		}
		slog.SetDefault(log)
		cfg.Log = log

		proc, err := service.NewProcess(cfg)
		if err != nil {
			return trace.Wrap(err)
		}
		runCtx, cancelRun := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- proc.Run(runCtx) }()
		select {
		case err := <-done:
			cancelRun()
			return trace.Wrap(err)
		case <-hup:
			log.InfoContext(ctx, "Received SIGHUP, reloading the configuration.")
			cancelRun()
			if err := <-done; err != nil {
				return trace.Wrap(err)
			}
		}
	}
}

// onConfigure prints the sample config, or writes it to a new file.
func onConfigure(output string) error {
	sample := config.MakeSampleFileConfig()
	if output == "" || output == "-" {
		fmt.Print(sample)
		return nil
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return trace.AlreadyExists("%v already exists, remove it before generating a new config", output)
		}
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	if _, err := f.WriteString(sample); err != nil {
		return trace.ConvertSystemError(err)
	}
	fmt.Fprintf(os.Stderr, "Wrote the sample configuration to %v.\n", output)
	return nil
}

// onInstallSystemd renders the systemd unit to stdout or a file.
func onInstallSystemd(flags config.SystemdFlags, output string) error {
	if output == "" || output == "-" {
		return trace.Wrap(config.WriteSystemdUnitFile(flags, os.Stdout))
	}
	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	if err := config.WriteSystemdUnitFile(flags, f); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(os.Stderr, "Wrote the systemd unit to %v.\n", output)
	return nil
}

// onStatus fetches the local agent's status and pretty-prints it.
func onStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/v1/status")
	if err != nil {
		return trace.ConnectionProblem(err, "cannot reach the admin endpoint at %v, is the agent running?", addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("the admin endpoint answered %v", resp.Status)
	}
	var status agent.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return trace.Wrap(err, "decoding the status payload")
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(string(out))
	return nil
}
