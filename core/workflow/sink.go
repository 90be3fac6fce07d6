package workflow

import (
	"github.com/packd-io/packd/core/infra/bus"
	"github.com/packd-io/packd/core/infra/logging"
	"github.com/packd-io/packd/core/infra/secrets"
)

// redactLine keeps secret references out of anything a sink emits.
func redactLine(message string) string {
	if red, changed := secrets.RedactSecretRefs(message); changed {
		return red.(string)
	}
	return message
}

// LoggingSink writes guest log lines to the process log.
type LoggingSink struct{}

func (LoggingSink) Log(instanceID, packID, level, message, source string) {
	message = redactLine(message)
	switch level {
	case "error":
		logging.Error("GUEST", message, "instance", instanceID, "pack", packID, "source", source)
	case "warn":
		logging.Warn("GUEST", message, "instance", instanceID, "pack", packID, "source", source)
	default:
		logging.Info("GUEST", message, "instance", instanceID, "pack", packID, "source", source)
	}
}

// BusSink relays guest log lines onto the bus log subject so external
// consumers can tail them.
type BusSink struct {
	Publisher bus.Publisher
}

func (s BusSink) Log(instanceID, packID, level, message, source string) {
	if s.Publisher == nil {
		return
	}
	_ = s.Publisher.Publish(bus.SubjectLogs, &bus.Event{
		Type:       "log",
		PackID:     packID,
		InstanceID: instanceID,
		Data: map[string]any{
			"level":   level,
			"message": redactLine(message),
			"source":  source,
		},
	})
}

// TeeSink fans one log line out to several sinks.
type TeeSink []LogSink

func (t TeeSink) Log(instanceID, packID, level, message, source string) {
	for _, s := range t {
		s.Log(instanceID, packID, level, message, source)
	}
}
