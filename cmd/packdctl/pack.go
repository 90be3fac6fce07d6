package main

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/packd-io/packd/sdk/client"
)

func runPackCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "install":
		fs := newFlagSet("pack install")
		checksum := fs.String("checksum", "", "expected sha256 of the archive")
		mode := fs.String("mode", "", "install mode (dev|prod)")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("archive url required")
		}
		client := sdk.New(*fs.gateway)
		installed, err := client.InstallPack(context.Background(), sdk.InstallRequest{
			URL:      fs.Arg(0),
			Checksum: *checksum,
			Mode:     *mode,
		})
		check(err)
		fmt.Printf("installed %s %s\n", installed.ID, installed.Manifest.Version)
	case "list":
		fs := newFlagSet("pack list")
		fs.ParseArgs(args[1:])
		client := sdk.New(*fs.gateway)
		packs, err := client.ListPacks(context.Background())
		check(err)
		for _, p := range packs {
			fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.Manifest.Version, p.Type, p.Source.Mode)
		}
	case "show":
		fs := newFlagSet("pack show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("pack id required")
		}
		client := sdk.New(*fs.gateway)
		p, err := client.GetPack(context.Background(), fs.Arg(0))
		check(err)
		printJSON(p)
	case "uninstall":
		fs := newFlagSet("pack uninstall")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("pack id required")
		}
		client := sdk.New(*fs.gateway)
		check(client.UninstallPack(context.Background(), fs.Arg(0)))
		fmt.Println("uninstalled", fs.Arg(0))
	default:
		usage()
		os.Exit(1)
	}
}
