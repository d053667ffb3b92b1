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
	"encoding/json"
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
	"github.com/nanvix/multikernel/noc/portal"
	"github.com/nanvix/multikernel/server/rmem"
	"github.com/nanvix/multikernel/sysio"
)

const usage = `rmemd remote memory server

rmemd runs the RMEM server: a fixed pool of
owner-tagged blocks with fail-soft read/write semantics, Alloc/Free over
the mailbox and block payloads over the portal layer.
`

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "rmemd"
	app.Usage = usage
	app.Flags = append(daemon.CommonFlags(),
		cli.StringFlag{Name: "name", Value: "rmemd", Usage: "name this server binds via the name service"},
		cli.IntFlag{Name: "nsd-node", Usage: "node id hosting the name service"},
		cli.StringFlag{Name: "store-root", Value: "/rmem", Usage: "root path/prefix for the backing store"},
		cli.StringFlag{Name: "store-backend", Value: "os", Usage: "backing store: os or mem"},
		cli.StringFlag{Name: "introspect-mount", Usage: "mountpoint for the read-only introspection filesystem (default: disabled)"},
	)

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
		return fmt.Errorf("rmemd: --topology is required")
	}
	self := domain.NodeId(ctx.GlobalInt("node"))

	cfgTopo, err := config.Load(topoPath)
	if err != nil {
		return fmt.Errorf("rmemd: loading topology: %w", err)
	}
	topo, err := cfgTopo.Resolve()
	if err != nil {
		return fmt.Errorf("rmemd: resolving topology: %w", err)
	}

	prof, err := daemon.RunProfiler(ctx)
	if err != nil {
		return err
	}

	backend := sysio.OsBackend
	if ctx.GlobalString("store-backend") == "mem" {
		backend = sysio.MemBackend
	}
	store, err := sysio.NewStore(backend, ctx.GlobalString("store-root"))
	if err != nil {
		return fmt.Errorf("rmemd: opening store: %w", err)
	}

	fabric := noc.NewFabric(topo)
	mbox := mailbox.NewTable(self, fabric, noc.MaxSyncNodes)
	portals := portal.NewTable(self, fabric, noc.MaxSyncNodes)

	input, err := mbox.Create(self)
	if err != nil {
		return fmt.Errorf("rmemd: creating input mailbox: %w", err)
	}
	portalInput, err := portals.Create(self)
	if err != nil {
		return fmt.Errorf("rmemd: creating input portal: %w", err)
	}

	if ctx.GlobalIsSet("nsd-node") {
		client := nameservice.NewClient(mbox, input, self, domain.NodeId(ctx.GlobalInt("nsd-node")))
		if err := client.Link(ctx.GlobalString("name"), self); err != nil {
			logrus.Warnf("rmemd: registering with name service: %s", err)
		}
	}

	srv := rmem.NewServer(store)

	fs := introspect.New()
	var stats rmem.Stats
	fs.Register("rmem/stats", func() []byte {
		b, _ := json.Marshal(stats)
		return b
	})
	if mnt := ctx.GlobalString("introspect-mount"); mnt != "" {
		go func() {
			if err := fs.Mount(context.Background(), mnt); err != nil {
				logrus.Warnf("rmemd: introspect mount: %s", err)
			}
		}()
	}

	logrus.Infof("rmemd: listening as node %d", self)
	go rmem.ServeMailbox(srv, mbox, portals, input, portalInput)

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		logrus.Debugf("rmemd: systemd notify: %s", err)
	}

	daemon.WaitForShutdown("rmemd", func() {
		stats = srv.Shutdown()
		mbox.Unlink(input)
		portals.Unlink(portalInput)
	}, prof)

	return nil
}
