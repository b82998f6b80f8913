// Package handshake implements the Startup Coordinator: the cross-process
// bring-up protocol that defeats the "slow joiner" problem where a
// renderer subscribes to a sideband only after the backend has already
// started publishing, silently missing the first frames.
package handshake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// Ack message types the renderer emits back on the ack channel.
const (
	AckSharedMemoryReadersReady = "shared_memory_readers_ready"
	AckCameraSubscriberConfirmed = "camera_subscriber_confirmed"
)

// Event types the backend emits on the control bus's event channel.
const (
	EventZeromqReady  = "zeromq_ready"
	EventSystemState  = "system_state"
	sentinelDirection = "__handshake_sentinel__"
)

// EventPublisher is the control Bus's Publish method.
type EventPublisher interface {
	Publish(eventType string, payload map[string]any)
}

// CameraSideband is the subset of the Frame Bus the coordinator uses to
// publish the sentinel frame on the camera channel's step.
type CameraSideband interface {
	WriteCameraFrame(payload []byte, meta CameraFrameMeta) (uint64, error)
}

// CameraFrameMeta mirrors framebus.CameraFrameMeta for the sentinel write.
type CameraFrameMeta struct {
	Width, Height, Channels int
	CameraName              string
}

// StartCamera begins the camera capture loop; the coordinator calls it only
// after step 7 (camera_subscriber_confirmed) completes.
type StartCamera func() error

// Config names the ports advertised in the zeromq_ready event and the ack
// channel the renderer publishes its confirmations on.
type Config struct {
	StimulusPort int
	CameraPort   int
	ControlPort  int
	EventPort    int
	AckAddr      string
}

// Coordinator drives the eight-step handshake described in the acquisition
// core's startup protocol.
type Coordinator struct {
	log    *zap.SugaredLogger
	events EventPublisher
	camera CameraSideband
	cfg    Config

	ackSub zmq4.Socket
}

// New wires a Coordinator. The ack socket is not dialed until Run is
// called.
func New(events EventPublisher, camera CameraSideband, cfg Config, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{events: events, camera: camera, cfg: cfg, log: log}
}

// Run executes the full handshake: emits zeromq_ready, waits for the
// renderer's shared_memory_readers_ready ack, publishes a sentinel camera
// frame, waits for camera_subscriber_confirmed, starts the camera capture
// loop via startCamera, then emits system_state=ready. Run blocks until
// ctx is cancelled or the handshake completes; there is no timeout on the
// intermediate acks by design — a stuck renderer is a visible hang.
func (c *Coordinator) Run(ctx context.Context, startCamera StartCamera) error {
	ackSub := zmq4.NewSub(ctx)
	if err := ackSub.Dial(c.cfg.AckAddr); err != nil {
		return fmt.Errorf("handshake: dialing ack channel %s: %w", c.cfg.AckAddr, err)
	}
	if err := ackSub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		ackSub.Close()
		return fmt.Errorf("handshake: subscribing ack channel: %w", err)
	}
	c.ackSub = ackSub
	defer ackSub.Close()

	c.events.Publish(EventZeromqReady, map[string]any{
		"stimulus_port": c.cfg.StimulusPort,
		"camera_port":   c.cfg.CameraPort,
		"control_port":  c.cfg.ControlPort,
		"event_port":    c.cfg.EventPort,
	})

	if err := c.waitForAck(ctx, AckSharedMemoryReadersReady); err != nil {
		return err
	}

	if _, err := c.camera.WriteCameraFrame([]byte{0}, CameraFrameMeta{Width: 1, Height: 1, Channels: 1, CameraName: sentinelDirection}); err != nil {
		return fmt.Errorf("handshake: publishing sentinel frame: %w", err)
	}

	if err := c.waitForAck(ctx, AckCameraSubscriberConfirmed); err != nil {
		return err
	}

	if err := startCamera(); err != nil {
		return fmt.Errorf("handshake: starting camera capture: %w", err)
	}

	c.events.Publish(EventSystemState, map[string]any{"state": "ready"})
	return nil
}

func (c *Coordinator) waitForAck(ctx context.Context, want string) error {
	for {
		msg, err := c.ackSub.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("handshake: receiving ack: %w", err)
			}
		}

		var ack struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Bytes(), &ack); err != nil {
			if c.log != nil {
				c.log.Warnw("handshake: malformed ack", "error", err)
			}
			continue
		}
		if ack.Type == want {
			return nil
		}
	}
}
