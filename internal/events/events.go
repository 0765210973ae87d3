// Package events streams run progress to a socket.io endpoint so external
// dashboards can follow a build live. The streamer is purely observational:
// it mirrors scheduler callbacks and never influences scheduling.
package events

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/buildgridgo/internal/build"
	"github.com/vk/buildgridgo/internal/ctxlog"
)

// DefaultDialTimeout bounds how long Dial waits for the initial connection.
const DefaultDialTimeout = 10 * time.Second

// Streamer emits build progress events over an established socket.io
// connection.
type Streamer struct {
	io *socket.Socket
}

// Dial connects to the given socket.io URL and waits for the connection to
// be acknowledged before returning.
func Dial(ctx context.Context, rawURL string) (*Streamer, error) {
	logger := ctxlog.FromContext(ctx).With("events_url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse events URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)

	connected := make(chan error, 1)
	io.On(types.EventName("connect"), func(...any) {
		logger.Info("Connected to events endpoint.", "sid", io.Id())
		select {
		case connected <- nil:
		default:
		}
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connected <- err:
		default:
		}
	})

	io.Connect()

	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("failed to connect to events endpoint: %w", err)
		}
	case <-dialCtx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("timed out connecting to events endpoint %s", rawURL)
	}

	return &Streamer{io: io}, nil
}

// UnitDone reports a successfully finished unit.
func (s *Streamer) UnitDone(unit build.Unit) {
	s.io.Emit("unit_done", unitDonePayload(unit))
}

// ArtifactReady reports an artifact becoming available.
func (s *Streamer) ArtifactReady(unit build.Unit, artifact build.Artifact, kind build.DepKind) {
	s.io.Emit("artifact_ready", artifactReadyPayload(unit, artifact, kind))
}

// RunFinished reports the terminal status of the whole run.
func (s *Streamer) RunFinished(failed bool, units int) {
	s.io.Emit("run_finished", runFinishedPayload(failed, units))
}

// Close disconnects from the endpoint.
func (s *Streamer) Close() {
	s.io.Disconnect()
}

func unitDonePayload(unit build.Unit) map[string]any {
	return map[string]any{"unit": string(unit)}
}

func artifactReadyPayload(unit build.Unit, artifact build.Artifact, kind build.DepKind) map[string]any {
	return map[string]any{
		"unit":     string(unit),
		"artifact": string(artifact),
		"kind":     kind.String(),
	}
}

func runFinishedPayload(failed bool, units int) map[string]any {
	status := "success"
	if failed {
		status = "failure"
	}
	return map[string]any{"status": status, "units": units}
}
