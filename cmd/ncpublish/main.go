// Command ncpublish is a one-shot CLI that synthesizes and fans out a single
// NETCONF notification event through the Event Publisher,
// exactly as an in-process caller would: it opens the stream directory
// directly (honoring LIBNETCONF_STREAMS / the compile-time default), routes
// the event through every stream whose Allow-Rule Store admits it, and
// exits with the publish result printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/955Gmy/ncnotify/internal/notify"
	"github.com/955Gmy/ncnotify/internal/registry"
)

func main() {
	var (
		event      = flag.String("event", "", "event kind: generic | config-change | capability-change | session-start | session-end")
		xmlFrag    = flag.String("xml", "", "raw XML fragment (generic events only)")
		datastore  = flag.String("datastore", "running", "datastore for config-change: startup | running")
		username   = flag.String("username", "", "origin username")
		sessionID  = flag.String("session-id", "", "origin session ID")
		sourceHost = flag.String("source-host", "", "origin source host")
		byServer   = flag.Bool("by-server", false, "attribute the change to the server rather than a user session")
		oldCaps    = flag.String("old-caps", "", "comma-separated capability URIs before the change")
		newCaps    = flag.String("new-caps", "", "comma-separated capability URIs after the change")
		reason     = flag.String("reason", "closed", "session-end termination reason: closed | killed | dropped | timeout | other")
		killedBy   = flag.String("killed-by", "", "session ID that killed this session (reason=killed only)")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	payload, err := buildPayload(*event, *xmlFrag, *datastore, *username, *sessionID, *sourceHost, *byServer, *oldCaps, *newCaps, *reason, *killedBy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncpublish: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	reg, err := registry.Open(registry.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncpublish: failed to open registry: %v\n", err)
		os.Exit(1)
	}
	defer reg.Close()

	result, err := reg.Publisher().Publish(context.Background(), nil, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncpublish: publish failed: %v\n", err)
		printResult(result)
		os.Exit(1)
	}

	printResult(result)
}

// buildPayload constructs the notify.Payload named by kind from the CLI flags.
func buildPayload(kind, xmlFrag, datastore, username, sessionID, sourceHost string, byServer bool, oldCaps, newCaps, reason, killedBy string) (notify.Payload, error) {
	origin := notify.Origin{Server: byServer, Username: username, SessionID: sessionID, SourceHost: sourceHost}

	switch kind {
	case "generic":
		if xmlFrag == "" {
			return nil, fmt.Errorf("-xml is required for -event=generic")
		}
		return notify.Generic{XML: xmlFrag}, nil

	case "config-change":
		return notify.ConfigChange{Datastore: notify.Datastore(datastore), Origin: origin}, nil

	case "capability-change":
		return notify.CapabilityChange{
			Old:    splitNonEmpty(oldCaps),
			New:    splitNonEmpty(newCaps),
			Origin: origin,
		}, nil

	case "session-start":
		return notify.SessionStart{Username: username, SessionID: sessionID, SourceHost: sourceHost}, nil

	case "session-end":
		return notify.SessionEnd{
			Username:          username,
			SessionID:         sessionID,
			SourceHost:        sourceHost,
			Reason:            notify.TerminationReason(reason),
			KilledBySessionID: killedBy,
		}, nil

	case "":
		return nil, fmt.Errorf("-event is required")
	default:
		return nil, fmt.Errorf("unknown -event %q", kind)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// publishOutput is the JSON shape printed to stdout.
type publishOutput struct {
	EventName      string            `json:"event_name"`
	MatchedStreams []string          `json:"matched_streams"`
	FailedStreams  map[string]string `json:"failed_streams,omitempty"`
}

func printResult(result *notify.Result) {
	if result == nil {
		return
	}
	out := publishOutput{
		EventName:      result.EventName,
		MatchedStreams: result.MatchedStreams,
	}
	if len(result.FailedStreams) > 0 {
		out.FailedStreams = make(map[string]string, len(result.FailedStreams))
		for name, err := range result.FailedStreams {
			out.FailedStreams[name] = err.Error()
		}
	}
	_ = json.NewEncoder(os.Stdout).Encode(out)
}
