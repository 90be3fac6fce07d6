package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	sdk "github.com/packd-io/packd/sdk/client"
)

const defaultGateway = "http://localhost:8090"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "pack":
		runPackCmd(args)
	case "instance":
		runInstanceCmd(args)
	case "run":
		runRunCmd(args)
	case "logs":
		runLogsCmd(args)
	case "status":
		runStatusCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	fs.ParseArgs(args)
	client := sdk.New(*fs.gateway)
	check(client.Health(context.Background()))
	fmt.Println("ok")
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("PACKD_GATEWAY", defaultGateway), "gateway base url")
	return &flagSet{FlagSet: fs, gateway: gateway}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

// parseEnvPairs turns K=V,K2=V2 into a map.
func parseEnvPairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env pair %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func usage() {
	fmt.Print(`packdctl - packd pack manager CLI

Usage:
  packdctl pack install <url> [--checksum sha256] [--mode dev|prod]
  packdctl pack list
  packdctl pack show <pack_id>
  packdctl pack uninstall <pack_id>
  packdctl instance create <pack_id> [--name name]
  packdctl instance list
  packdctl instance show <instance_id>
  packdctl instance start <instance_id> [--env K=V,K2=V2]
  packdctl instance pause <instance_id>
  packdctl instance stop <instance_id>
  packdctl instance delete <instance_id>
  packdctl instance call <instance_id> <function> [--args args.json]
  packdctl instance runs <instance_id>
  packdctl run show <run_id>
  packdctl run watch <run_id>
  packdctl logs [--instance instance_id] [--nats url]
  packdctl status

Global flags:
  --gateway   Gateway base URL (default from PACKD_GATEWAY)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
