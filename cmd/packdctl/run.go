package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/packd-io/packd/core/infra/bus"
	sdk "github.com/packd-io/packd/sdk/client"
)

func runRunCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "show":
		fs := newFlagSet("run show")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("run id required")
		}
		client := sdk.New(*fs.gateway)
		run, err := client.GetRun(context.Background(), fs.Arg(0))
		check(err)
		printJSON(run)
	case "watch":
		fs := newFlagSet("run watch")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("run id required")
		}
		watchRun(*fs.gateway, fs.Arg(0))
	default:
		usage()
		os.Exit(1)
	}
}

// watchRun tails the run's progress stream until interrupted or the
// server closes the socket.
func watchRun(gateway, runID string) {
	wsURL := toWebsocketURL(gateway) + "/v1/runs/" + runID + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	check(err)
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var event bus.Event
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		stepIndex, _ := event.Data["step_index"].(float64)
		total, _ := event.Data["total"].(float64)
		message, _ := event.Data["message"].(string)
		fmt.Printf("[%d/%d] %s\n", int(stepIndex), int(total), message)
	}
}

func toWebsocketURL(gateway string) string {
	switch {
	case strings.HasPrefix(gateway, "https://"):
		return "wss://" + strings.TrimPrefix(gateway, "https://")
	case strings.HasPrefix(gateway, "http://"):
		return "ws://" + strings.TrimPrefix(gateway, "http://")
	default:
		return "ws://" + gateway
	}
}
