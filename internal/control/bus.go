package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

// Bus binds the control channel (REP, one command in, one reply out) and
// the event channel (PUB, broadcast, lossy) described in the startup
// handshake.
type Bus struct {
	log *zap.SugaredLogger

	dispatcher *Dispatcher
	control    zmq4.Socket
	events     zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus binds a REP socket at controlAddr and a PUB socket at eventAddr.
func NewBus(ctx context.Context, controlAddr, eventAddr string, dispatcher *Dispatcher, log *zap.SugaredLogger) (*Bus, error) {
	control := zmq4.NewRep(ctx)
	if err := control.Listen(controlAddr); err != nil {
		return nil, fmt.Errorf("control: binding control socket %s: %w", controlAddr, err)
	}

	events := zmq4.NewPub(ctx, zmq4.WithHWM(1))
	if err := events.Listen(eventAddr); err != nil {
		control.Close()
		return nil, fmt.Errorf("control: binding event socket %s: %w", eventAddr, err)
	}

	busCtx, cancel := context.WithCancel(ctx)
	return &Bus{
		log:        log,
		dispatcher: dispatcher,
		control:    control,
		events:     events,
		ctx:        busCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Serve runs the request/reply loop until the bus is closed or the
// supplied context is cancelled. It always replies to a received command,
// even one that fails to parse, so the renderer is never left waiting.
func (b *Bus) Serve() {
	defer close(b.done)
	for {
		msg, err := b.control.Recv()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
				if b.log != nil {
					b.log.Warnw("control: recv failed", "error", err)
				}
				continue
			}
		}

		var cmd map[string]any
		if err := json.Unmarshal(msg.Bytes(), &cmd); err != nil {
			b.reply(map[string]any{"success": false, "error": fmt.Sprintf("malformed command: %v", err)})
			continue
		}

		reply := b.dispatcher.Dispatch(cmd)
		b.reply(reply)
	}
}

func (b *Bus) reply(reply map[string]any) {
	raw, err := json.Marshal(reply)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"success": false, "error": "failed to encode reply"})
	}
	if err := b.control.Send(zmq4.NewMsg(raw)); err != nil && b.log != nil {
		b.log.Warnw("control: send reply failed", "error", err)
	}
}

// Publish implements orchestrator.EventPublisher: broadcasts
// {"type": eventType, ...payload} on the event channel. Best-effort — a
// publish failure is logged, never returned, matching the "no backpressure,
// stale events are dropped" contract.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	envelope := map[string]any{"type": eventType}
	for k, v := range payload {
		envelope[k] = v
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		if b.log != nil {
			b.log.Warnw("control: marshaling event", "type", eventType, "error", err)
		}
		return
	}
	if err := b.events.Send(zmq4.NewMsg(raw)); err != nil && b.log != nil {
		b.log.Debugw("control: event publish dropped", "type", eventType, "error", err)
	}
}

// Close stops Serve and releases both sockets.
func (b *Bus) Close() error {
	b.cancel()
	var firstErr error
	if err := b.control.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-b.done
	return firstErr
}
