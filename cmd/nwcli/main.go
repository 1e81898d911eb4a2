// nwcli is a small admin tool that drives the plugin's commands directly
// over the node's lightning-rpc socket, for operators who prefer it over
// lightning-cli.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lightninglabs/nip47/cln"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[nwcli] %v\n", err)
	os.Exit(1)
}

func printRespJSON(resp interface{}) {
	jsonStr, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fmt.Println("unable to decode response: ", err)
		return
	}

	fmt.Println(string(jsonStr))
}

func main() {
	app := cli.NewApp()
	app.Name = "nwcli"
	app.Usage = "manage NWC connections of your node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcsocket",
			Usage: "path to the lightning-rpc socket",
			Value: "lightning-rpc",
		},
	}
	app.Commands = []cli.Command{
		createCommand, revokeCommand, budgetCommand, listCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// call sends one plugin command through the node.
func call(ctx *cli.Context, method string, params interface{}) error {
	client, err := cln.Dial(ctx.GlobalString("rpcsocket"))
	if err != nil {
		return err
	}
	defer client.Close()

	callCtx, cancel := context.WithTimeout(
		context.Background(), time.Minute,
	)
	defer cancel()

	var result json.RawMessage
	err = client.Call(callCtx, method, params, &result)
	if err != nil {
		return err
	}

	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		return err
	}
	printRespJSON(pretty)

	return nil
}

// connArgs builds the keyword parameters shared by create and budget.
func connArgs(ctx *cli.Context) (map[string]interface{}, error) {
	if !ctx.Args().Present() {
		return nil, cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}

	params := map[string]interface{}{
		"label": ctx.Args().First(),
	}
	if ctx.IsSet("budget_msat") {
		params["budget_msat"] = ctx.Uint64("budget_msat")
	}
	if ctx.IsSet("interval") {
		params["interval"] = ctx.String("interval")
	}

	return params, nil
}

var createCommand = cli.Command{
	Name:      "create",
	Usage:     "create a new NWC connection",
	ArgsUsage: "label",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "budget_msat",
			Usage: "spending cap in msat, 0 for receive-only",
		},
		cli.StringFlag{
			Name:  "interval",
			Usage: "budget refresh interval, e.g. 1d or 4w",
		},
	},
	Action: func(ctx *cli.Context) error {
		params, err := connArgs(ctx)
		if err != nil || params == nil {
			return err
		}

		return call(ctx, "nip47-create", params)
	},
}

var revokeCommand = cli.Command{
	Name:      "revoke",
	Usage:     "revoke an NWC connection",
	ArgsUsage: "label",
	Action: func(ctx *cli.Context) error {
		if !ctx.Args().Present() {
			return cli.ShowCommandHelp(ctx, "revoke")
		}

		return call(ctx, "nip47-revoke", map[string]interface{}{
			"label": ctx.Args().First(),
		})
	},
}

var budgetCommand = cli.Command{
	Name:      "budget",
	Usage:     "update the budget of an NWC connection",
	ArgsUsage: "label",
	Flags:     createCommand.Flags,
	Action: func(ctx *cli.Context) error {
		params, err := connArgs(ctx)
		if err != nil || params == nil {
			return err
		}

		return call(ctx, "nip47-budget", params)
	},
}

var listCommand = cli.Command{
	Name:      "list",
	Usage:     "list NWC connections",
	ArgsUsage: "[label]",
	Action: func(ctx *cli.Context) error {
		params := map[string]interface{}{}
		if ctx.Args().Present() {
			params["label"] = ctx.Args().First()
		}

		return call(ctx, "nip47-list", params)
	},
}
