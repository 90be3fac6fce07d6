package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/nats-io/nats.go"

	"github.com/packd-io/packd/core/infra/bus"
)

// runLogsCmd tails guest log lines straight off the bus; the gateway is
// not involved.
func runLogsCmd(args []string) {
	fs := newFlagSet("logs")
	natsURL := fs.String("nats", envOr("PACKD_NATS_URL", nats.DefaultURL), "nats server url")
	instance := fs.String("instance", "", "only show lines from this instance")
	fs.ParseArgs(args)

	nc, err := nats.Connect(*natsURL)
	check(err)
	defer nc.Close()

	sub, err := nc.Subscribe(bus.SubjectLogs, func(msg *nats.Msg) {
		var event bus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		if *instance != "" && event.InstanceID != *instance {
			return
		}
		level, _ := event.Data["level"].(string)
		message, _ := event.Data["message"].(string)
		fmt.Printf("%s [%s] %s %s\n", event.Timestamp.Format("15:04:05"), level, event.InstanceID, message)
	})
	check(err)
	defer func() { _ = sub.Unsubscribe() }()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
}
