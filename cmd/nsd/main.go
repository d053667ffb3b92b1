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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nanvix/multikernel/config"
	"github.com/nanvix/multikernel/daemon"
	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/introspect"
	"github.com/nanvix/multikernel/nameservice"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
)

const usage = `nsd name service daemon

nsd runs the substrate's name service: nodes Link a
human-readable name to their own node id, and other nodes Lookup and
Unlink those bindings.
`

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "nsd"
	app.Usage = usage
	app.Flags = append(daemon.CommonFlags(), cli.StringFlag{
		Name: "introspect-mount",
		Usage: "mountpoint for the read-only introspection filesystem (default: disabled)",
	})

	app.Before = func(ctx *cli.Context) error {
		rand.Seed(time.Now().UnixNano())
		return daemon.SetupLogging(ctx)
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	topoPath := ctx.GlobalString("topology")
	if topoPath == "" {
		return fmt.Errorf("nsd: --topology is required")
	}
	self := domain.NodeId(ctx.GlobalInt("node"))

	cfgTopo, err := config.Load(topoPath)
	if err != nil {
		return fmt.Errorf("nsd: loading topology: %w", err)
	}
	topo, err := cfgTopo.Resolve()
	if err != nil {
		return fmt.Errorf("nsd: resolving topology: %w", err)
	}

	prof, err := daemon.RunProfiler(ctx)
	if err != nil {
		return err
	}

	fabric := noc.NewFabric(topo)
	mbox := mailbox.NewTable(self, fabric, noc.MaxSyncNodes)

	input, err := mbox.Create(self)
	if err != nil {
		return fmt.Errorf("nsd: creating input mailbox: %w", err)
	}

	svc := nameservice.NewService()

	fs := introspect.New()
	fs.Register("nameservice/bindings", func() []byte {
		snap := svc.Snapshot()
		out := make([]byte, 0, 64*len(snap))
		for name, node := range snap {
			out = append(out, []byte(fmt.Sprintf("%s -> %d\n", name, node))...)
		}
		return out
	})
	if mnt := ctx.GlobalString("introspect-mount"); mnt != "" {
		go func() {
			if err := fs.Mount(context.Background(), mnt); err != nil {
				logrus.Warnf("nsd: introspect mount: %s", err)
			}
		}()
	}

	logrus.Infof("nsd: listening as node %d", self)
	go nameservice.ServeMailbox(svc, mbox, input)

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		logrus.Debugf("nsd: systemd notify: %s", err)
	}

	daemon.WaitForShutdown("nsd", func() {
		mbox.Unlink(input)
	}, prof)

	return nil
}
