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

// substratectl is an operator CLI for the running cluster: it joins the
// NoC as an ordinary node (its own mailbox endpoint) and issues one-shot
// name-service requests through a single binary with multiple
// cli.Command entries.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nanvix/multikernel/config"
	"github.com/nanvix/multikernel/daemon"
	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/nameservice"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
)

func main() {
	app := cli.NewApp()
	app.Name = "substratectl"
	app.Usage = "operate the nanvix multikernel substrate from the command line"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "topology", Usage: "path to the cluster topology TOML file"},
		cli.IntFlag{Name: "node", Usage: "node id this command joins the NoC as"},
		cli.IntFlag{Name: "nsd-node", Usage: "node id hosting the name service"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file path or empty string for stderr output (default: \"\")"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log categories to include (debug, info, warning, error, fatal)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format; must be json or text"},
	}

	app.Before = func(ctx *cli.Context) error {
		return daemon.SetupLogging(ctx)
	}

	app.Commands = []cli.Command{
		{
			Name: "link",
			Usage: "bind a name to a node id in the name service",
			ArgsUsage: "<name> <node-id>",
			Action: cmdLink,
		},
		{
			Name: "lookup",
			Usage: "resolve a name to its bound node id",
			ArgsUsage: "<name>",
			Action: cmdLookup,
		},
		{
			Name: "unlink",
			Usage: "remove a name's binding",
			ArgsUsage: "<name>",
			Action: cmdUnlink,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func dialClient(ctx *cli.Context) (*nameservice.Client, *mailbox.Table, domain.EndpointId, error) {
	topoPath := ctx.GlobalString("topology")
	if topoPath == "" {
		return nil, nil, 0, fmt.Errorf("substratectl: --topology is required")
	}
	self := domain.NodeId(ctx.GlobalInt("node"))
	server := domain.NodeId(ctx.GlobalInt("nsd-node"))

	cfgTopo, err := config.Load(topoPath)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("substratectl: loading topology: %w", err)
	}
	topo, err := cfgTopo.Resolve()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("substratectl: resolving topology: %w", err)
	}

	fabric := noc.NewFabric(topo)
	mbox := mailbox.NewTable(self, fabric, noc.MaxSyncNodes)
	input, err := mbox.Create(self)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("substratectl: creating input mailbox: %w", err)
	}

	return nameservice.NewClient(mbox, input, self, server), mbox, input, nil
}

func cmdLink(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: substratectl link <name> <node-id>")
	}
	client, mbox, input, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer mbox.Unlink(input)

	var node int
	if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &node); err != nil {
		return fmt.Errorf("substratectl: invalid node id: %w", err)
	}
	if err := client.Link(ctx.Args().Get(0), domain.NodeId(node)); err != nil {
		return err
	}
	fmt.Printf("linked %q -> %d\n", ctx.Args().Get(0), node)
	return nil
}

func cmdLookup(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: substratectl lookup <name>")
	}
	client, mbox, input, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer mbox.Unlink(input)

	node, err := client.Lookup(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", node)
	return nil
}

func cmdUnlink(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: substratectl unlink <name>")
	}
	client, mbox, input, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer mbox.Unlink(input)

	if err := client.Unlink(ctx.Args().Get(0)); err != nil {
		return err
	}
	fmt.Printf("unlinked %q\n", ctx.Args().Get(0))
	return nil
}
