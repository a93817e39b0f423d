//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// pysandbox-go is a single binary playing all three of spec.md §2's
// roles, selected by a hidden argv[0]/subcommand the way the teacher's
// cmd/sysbox-fs dispatches its own "nsenter" hidden command:
//
//   - run bare, it is the Host: loads policy, launches the broker+jail
//     combo process, and answers that process's JSON-RPC escalations
//     until it exits.
//   - re-exec'd as forker.ReexecCommand, it is the Broker: it receives
//     the Host's fds 3/4, forks the Jail via forker.ForkJail, and runs
//     the seccomp trap loop plus the RPCSOCK control-frame loop against
//     it.
//   - re-exec'd again as forker.JailReexecCommand, it is the Jail
//     itself: it applies its resource limits, installs the seccomp
//     filter, hands the resulting notification fd back to the Broker,
//     and execs the sandboxed interpreter.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/skizzerz/pysandbox-go/broker"
	"github.com/skizzerz/pysandbox-go/domain"
	"github.com/skizzerz/pysandbox-go/forker"
	"github.com/skizzerz/pysandbox-go/host"
	"github.com/skizzerz/pysandbox-go/identity"
	"github.com/skizzerz/pysandbox-go/ioservice"
	"github.com/skizzerz/pysandbox-go/rpc"
	"github.com/skizzerz/pysandbox-go/seccomp"
)

const (
	runDir  string = "/run/pysandbox"
	pidPath string = runDir + "/pysandbox.pid"
	usage   string = `pysandbox-go

pysandbox-go confines a scripting interpreter behind a seccomp-filtered
Jail process, a policy-enforcing Broker, and a Host that owns the
virtual filesystem the Jail is allowed to see.
`
)

// Globals populated at build time via -ldflags, mirroring the teacher's
// own version-stamping knobs.
var (
	edition  string
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

func main() {
	app := cli.NewApp()
	app.Name = "pysandbox-go"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "policy",
			Usage: "path to the JSON policy document describing the virtual filesystem, resource limits, and interpreter path (spec.md §2 step 3)",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("pysandbox-go\n"+
			"\tedition: \t%s\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			edition, c.App.Version, commitId, builtAt, builtBy)
	}

	app.Commands = []cli.Command{
		{
			Name:   forker.ReexecCommand,
			Usage:  "internal: become the broker+jail supervisor process",
			Hidden: true,
			Action: runBrokerInit,
		},
		{
			Name:   forker.JailReexecCommand,
			Usage:  "internal: become the jail process",
			Hidden: true,
			Action: runJailInit,
		},
	}

	app.Before = func(ctx *cli.Context) error {
		rand.Seed(time.Now().UnixNano())
		return configureLogging(ctx.GlobalString("log"), ctx.GlobalString("log-level"), ctx.GlobalString("log-format"))
	}

	app.Action = runHost

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// configureLogging mirrors the teacher's cmd/sysbox-fs app.Before: a
// file destination or stderr, text or json formatting, and a named
// level, all via logrus the same way the rest of this repo logs.
func configureLogging(path, level, format string) error {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return fmt.Errorf("error opening log file %v: %v", path, err)
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log-level option %q not recognized", level)
	}
	logrus.SetLevel(lvl)
	return nil
}

// runProfiler mirrors the teacher's cmd/sysbox-fs runProfiler: cpu and
// memory profiling are mutually exclusive, and NoShutdownHook is passed
// so this process's own signal handler (not pkg/profile's) decides when
// to stop collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuProfOn && !memProfOn {
		return nil, nil
	}
	if cpuProfOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

// checkPidFile, createPidFile and destroyPidFile stand in for the
// teacher's sysbox-libs/utils pid-file helpers, which live in an
// internal Nestybox monorepo module this repo has no fetchable path to
// (see DESIGN.md). The contract they implement is the same: refuse to
// start if a live process already owns the pid file, and clean up on
// the way out.
func checkPidFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	if err := syscall.Kill(pid, 0); err == nil {
		return fmt.Errorf("pysandbox-go is already running (pid %d, per %s)", pid, path)
	}
	return nil
}

func createPidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func destroyPidFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// exitHandler is the Host's termination goroutine, the same shape as the
// teacher's cmd/sysbox-fs exitHandler: catch a signal, notify systemd
// we're stopping, tear down the child process tree, then exit.
func exitHandler(signalChan chan os.Signal, combo *exec.Cmd, prof interface{ Stop() }) {
	s := <-signalChan
	logrus.Warnf("pysandbox-go caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")
	systemd.SdNotify(false, systemd.SdNotifyStopping)

	if combo.Process != nil {
		_ = combo.Process.Signal(syscall.SIGTERM)
	}

	if prof != nil {
		prof.Stop()
	}

	time.Sleep(2 * time.Second)

	if err := destroyPidFile(pidPath); err != nil {
		logrus.Warnf("failed to destroy pysandbox-go pid file: %v", err)
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

// runHost is the Host role's main loop: spec.md §2 steps 1 and the
// escalation-servicing half of §4.5/§6.
func runHost(ctx *cli.Context) error {
	logrus.Info("Initiating pysandbox-go ...")

	policyPath := ctx.String("policy")
	if policyPath == "" {
		return fmt.Errorf("missing required --policy flag")
	}

	if err := checkPidFile(pidPath); err != nil {
		return err
	}
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %v", runDir, err)
	}

	pf, err := os.Open(policyPath)
	if err != nil {
		return fmt.Errorf("failed to open policy file %s: %v", policyPath, err)
	}
	policy, root, err := host.LoadPolicy(pf)
	pf.Close()
	if err != nil {
		return fmt.Errorf("failed to load policy: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	svc := host.NewOSService(root, policy.Limits, policy.VirtualPythonPath, cwd)

	// Two pipes stand in for the single bidirectional IN=3/OUT=4 channel
	// spec.md §2 step 1 describes, one direction each; the combo process
	// receives its read end and write end as descriptors 3 and 4 via
	// ExtraFiles (forker.Launch).
	brokerIn, hostOut, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create host->broker pipe: %v", err)
	}
	hostIn, brokerOut, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create broker->host pipe: %v", err)
	}

	combo, err := forker.Launch(brokerIn, brokerOut)
	if err != nil {
		return fmt.Errorf("failed to launch broker: %v", err)
	}
	brokerIn.Close()
	brokerOut.Close()

	srv := rpc.NewOuterServer(hostIn, hostOut)
	svc.Register(srv)

	go func() {
		if err := srv.Serve(); err != nil {
			logrus.Warnf("host: outer server exited: %v", err)
		}
	}()

	prof, err := runProfiler(ctx)
	if err != nil {
		logrus.Fatal(err)
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go exitHandler(exitChan, combo, prof)

	systemd.SdNotify(false, systemd.SdNotifyReady)

	if err := createPidFile(pidPath); err != nil {
		return fmt.Errorf("failed to create pysandbox-go pid file: %v", err)
	}

	logrus.Info("Ready ...")

	state, waitErr := combo.Process.Wait()

	if err := destroyPidFile(pidPath); err != nil {
		logrus.Warnf("failed to destroy pysandbox-go pid file: %v", err)
	}

	if waitErr != nil {
		return waitErr
	}

	logrus.Infof("broker+jail combo process exited: %s", state)

	// spec.md §6's exit-code contract is produced by the combo process
	// itself (forker.ExitReport, derived from the jail's own exit status)
	// and passed through os.Exit there; the Host simply propagates it.
	os.Exit(state.ExitCode())
	return nil
}

// runBrokerInit is the Broker role: spec.md §2 step 2 onward, run from
// inside the process forker.Launch started.
func runBrokerInit(ctx *cli.Context) error {
	hostConn := rpc.NewOuterConn(os.NewFile(3, "host-in"), os.NewFile(4, "host-out"))
	hc := rpc.NewHostClient(hostConn)

	limits, err := hc.GetLimits()
	if err != nil {
		return fmt.Errorf("broker: failed to fetch resource limits: %v", err)
	}
	vpyPath, err := hc.GetVirtualPythonPath()
	if err != nil {
		return fmt.Errorf("broker: failed to fetch virtual interpreter path: %v", err)
	}
	cwd, err := hc.GetCwd()
	if err != nil {
		return fmt.Errorf("broker: failed to fetch initial cwd: %v", err)
	}
	nodes, err := hc.GetFS()
	if err != nil {
		return fmt.Errorf("broker: failed to fetch virtual filesystem: %v", err)
	}

	root := domain.NewRoot()
	for _, n := range nodes {
		root.AddChild(n)
	}

	jailArgv := append([]string{vpyPath}, []string(ctx.Args())...)

	jailPid, rpcSock, err := forker.ForkJail(limits, jailArgv)
	if err != nil {
		return fmt.Errorf("broker: failed to fork jail: %v", err)
	}

	notifyFd, err := forker.RecvNotifyFD(rpcSock)
	if err != nil {
		_ = forker.KillJail(jailPid)
		return fmt.Errorf("broker: failed to receive jail's seccomp notification fd: %v", err)
	}

	br := broker.New(root, ioservice.NewOSService(), hc, cwd)
	tracer := seccomp.NewTracer(libseccomp.ScmpFd(notifyFd), uint32(jailPid), br)

	go func() {
		if err := tracer.Run(); err != nil {
			logrus.Errorf("broker: seccomp tracer exited: %v", err)
			_ = forker.KillJail(jailPid)
		}
	}()

	go func() {
		if err := br.ServeInner(rpcSock); err != nil {
			logrus.Warnf("broker: rpcsock control loop exited: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		logrus.Warn("broker: caught signal, terminating jail")
		_ = forker.KillJail(jailPid)
	}()

	report, err := forker.WaitJail(jailPid)
	if err != nil {
		logrus.Errorf("broker: failed to reap jail: %v", err)
		os.Exit(-int(syscall.EIO))
	}

	os.Exit(report.ExitCode)
	return nil
}

// runJailInit is the Jail role: spec.md §2 step 2's back half through
// step 4, run from inside the process forker.ForkJail started.
func runJailInit(ctx *cli.Context) error {
	limits := forker.LimitsFromEnv()
	if err := forker.ApplyLimits(limits); err != nil {
		return fmt.Errorf("jail: failed to apply resource limits: %v", err)
	}

	filter, err := seccomp.BuildFilter()
	if err != nil {
		return fmt.Errorf("jail: failed to build seccomp filter: %v", err)
	}
	notifyFd, err := seccomp.NotifyFD(filter)
	if err != nil {
		return fmt.Errorf("jail: failed to obtain seccomp notification fd: %v", err)
	}

	rpcSock := os.NewFile(3, "rpcsock")
	if err := forker.SendNotifyFD(rpcSock, int(notifyFd)); err != nil {
		return fmt.Errorf("jail: failed to hand notification fd to broker: %v", err)
	}

	// Flips the one-way flag the preloaded identity façade (out of scope,
	// spec.md §1) would observe via a shared global once the filter is
	// live; this repo never reads it back, but the flip itself documents
	// where in the startup sequence it belongs (spec.md §2 step 4).
	var enabled identity.EnableFlag
	enabled.Enable()

	argv := []string(ctx.Args())
	if len(argv) == 0 {
		return fmt.Errorf("jail: no interpreter path supplied")
	}
	return syscall.Exec(argv[0], argv, os.Environ())
}
