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
	"github.com/nanvix/multikernel/nameservice"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/server/mqueue"
)

const usage = `mqueued message queue server

mqueued runs the message queue server: named,
priority-ordered queues where a full/empty queue returns EAGAIN rather
than blocking.
`

func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "mqueued"
	app.Usage = usage
	app.Flags = append(daemon.CommonFlags(),
		cli.StringFlag{Name: "name", Value: "mqueued", Usage: "name this server binds via the name service"},
		cli.IntFlag{Name: "nsd-node", Usage: "node id hosting the name service"},
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
		return fmt.Errorf("mqueued: --topology is required")
	}
	self := domain.NodeId(ctx.GlobalInt("node"))

	cfgTopo, err := config.Load(topoPath)
	if err != nil {
		return fmt.Errorf("mqueued: loading topology: %w", err)
	}
	topo, err := cfgTopo.Resolve()
	if err != nil {
		return fmt.Errorf("mqueued: resolving topology: %w", err)
	}

	prof, err := daemon.RunProfiler(ctx)
	if err != nil {
		return err
	}

	fabric := noc.NewFabric(topo)
	mbox := mailbox.NewTable(self, fabric, noc.MaxSyncNodes)

	input, err := mbox.Create(self)
	if err != nil {
		return fmt.Errorf("mqueued: creating input mailbox: %w", err)
	}

	if ctx.GlobalIsSet("nsd-node") {
		client := nameservice.NewClient(mbox, input, self, domain.NodeId(ctx.GlobalInt("nsd-node")))
		if err := client.Link(ctx.GlobalString("name"), self); err != nil {
			logrus.Warnf("mqueued: registering with name service: %s", err)
		}
	}

	srv := mqueue.NewServer()

	logrus.Infof("mqueued: listening as node %d", self)
	go mqueue.ServeMailbox(srv, mbox, input)

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		logrus.Debugf("mqueued: systemd notify: %s", err)
	}

	daemon.WaitForShutdown("mqueued", func() {
		mbox.Unlink(input)
	}, prof)

	return nil
}
