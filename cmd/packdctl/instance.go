package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	sdk "github.com/packd-io/packd/sdk/client"
)

func runInstanceCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		fs := newFlagSet("instance create")
		name := fs.String("name", "", "instance name")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("pack id required")
		}
		client := sdk.New(*fs.gateway)
		inst, err := client.CreateInstance(context.Background(), fs.Arg(0), *name)
		check(err)
		fmt.Println(inst.ID)
	case "list":
		fs := newFlagSet("instance list")
		fs.ParseArgs(args[1:])
		client := sdk.New(*fs.gateway)
		instances, err := client.ListInstances(context.Background())
		check(err)
		for _, inst := range instances {
			fmt.Printf("%s\t%s\t%s\t%s\n", inst.ID, inst.PackID, inst.Name, inst.State)
		}
	case "show":
		fs := newFlagSet("instance show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("instance id required")
		}
		client := sdk.New(*fs.gateway)
		inst, err := client.GetInstance(context.Background(), fs.Arg(0))
		check(err)
		printJSON(inst)
	case "start":
		fs := newFlagSet("instance start")
		envRaw := fs.String("env", "", "environment overrides as K=V,K2=V2")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("instance id required")
		}
		env, err := parseEnvPairs(*envRaw)
		check(err)
		client := sdk.New(*fs.gateway)
		inst, err := client.StartInstance(context.Background(), fs.Arg(0), env)
		check(err)
		fmt.Println(inst.State)
	case "pause":
		transition(args[1:], "instance pause", func(c *sdk.Client, id string) error {
			inst, err := c.PauseInstance(context.Background(), id)
			if err == nil {
				fmt.Println(inst.State)
			}
			return err
		})
	case "stop":
		transition(args[1:], "instance stop", func(c *sdk.Client, id string) error {
			inst, err := c.StopInstance(context.Background(), id)
			if err == nil {
				fmt.Println(inst.State)
			}
			return err
		})
	case "delete":
		transition(args[1:], "instance delete", func(c *sdk.Client, id string) error {
			return c.DeleteInstance(context.Background(), id)
		})
	case "call":
		fs := newFlagSet("instance call")
		argsFile := fs.String("args", "", "arguments json file")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 2 {
			fail("usage: instance call <instance_id> <function> [--args args.json]")
		}
		var callArgs any = json.RawMessage(`{}`)
		if *argsFile != "" {
			var loaded any
			loadJSON(*argsFile, &loaded)
			callArgs = loaded
		}
		client := sdk.New(*fs.gateway)
		result, err := client.CallInstance(context.Background(), fs.Arg(0), fs.Arg(1), callArgs)
		check(err)
		printJSON(result)
	case "runs":
		fs := newFlagSet("instance runs")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("instance id required")
		}
		client := sdk.New(*fs.gateway)
		runs, err := client.ListInstanceRuns(context.Background(), fs.Arg(0))
		check(err)
		for _, run := range runs {
			fmt.Printf("%s\t%s\t%s\n", run.ID, run.Status, run.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	default:
		usage()
		os.Exit(1)
	}
}

func transition(args []string, name string, fn func(*sdk.Client, string) error) {
	fs := newFlagSet(name)
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("instance id required")
	}
	client := sdk.New(*fs.gateway)
	check(fn(client, fs.Arg(0)))
}
