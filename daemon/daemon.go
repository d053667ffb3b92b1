//
// Copyright 2024 The Nanvix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package daemon holds the bootstrap plumbing every cmd/*d binary shares:
// urfave/cli flag set, log setup and profiling start-up, generalized away
// from a single fixed binary name.
package daemon

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// CommonFlags returns the --topology/--node/--log* /--*-profiling flag
// set shared by every daemon binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name: "topology",
			Usage: "path to the cluster topology TOML file",
		},
		cli.IntFlag{
			Name: "node",
			Usage: "this process's node id in the topology",
		},
		cli.StringFlag{
			Name: "log",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name: "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name: "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name: "cpu-profiling",
			Usage: "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name: "memory-profiling",
			Usage: "enable memory-profiling data collection",
			Hidden: true,
		},
	}
}

// SetupLogging wires logrus/log output and level from the common flags.
func SetupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", path, err)
		}
		logrus.SetOutput(f)
		log.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
		log.SetOutput(os.Stderr)
	}

	if ctx.GlobalString("log-format") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	switch ctx.GlobalString("log-level") {
	case "debug":
		flag.Set("fuse.debug", "true")
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("unsupported log-level %q", ctx.GlobalString("log-level"))
	}

	return nil
}

// Profiler is the handle returned by RunProfiler; nil when neither
// profiling flag was set.
type Profiler interface{ Stop() }

// RunProfiler starts cpu or memory profiling per the --cpu-profiling /
// --memory-profiling flags. The two are mutually exclusive.
func RunProfiler(ctx *cli.Context) (Profiler, error) {
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")

	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}

	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM/SIGQUIT, logs it, stops
// stop (the server's own teardown) and prof if running, then returns.
func WaitForShutdown(name string, stop func(), prof Profiler) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s := <-sigCh
	logrus.Warnf("%s: caught signal %s, stopping", name, s)

	if s == syscall.SIGQUIT {
		stacktrace := make([]byte, 32768)
		n := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:n]))
	}

	if stop != nil {
		stop()
	}
	if prof != nil {
		prof.Stop()
	}

	logrus.Infof("%s: exiting", name)
}
