// Package relay pumps captured packets from the selected backend into the
// protocol decoder.
package relay

import (
	"context"
	"errors"

	"github.com/gachacap/gachacap/internal/capture"
	"github.com/gachacap/gachacap/internal/logger"
)

// Sink consumes raw packet bytes. The protocol decoder implements it; the
// relay makes no attempt to interpret what it forwards.
type Sink interface {
	HandlePacket(data []byte) error
}

// Options configures a relay run.
type Options struct {
	// LogRawPackets logs each forwarded packet's size at debug level.
	LogRawPackets bool
	// Log is the logger to use. Nil selects the process default.
	Log *logger.Logger
}

// Run pulls packets from the backend and forwards them to the sink until the
// context ends, the capture stream closes, or the backend reports a terminal
// error. The terminal error is returned so the caller can decide whether to
// rebuild the backend; a normal close returns nil.
func Run(ctx context.Context, backend capture.Backend, sink Sink, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}

	for {
		data, err := backend.NextPacket(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				log.Info("[relay] stopping: %v", err)
				return nil
			case errors.Is(err, capture.ErrCaptureClosed):
				log.Info("[relay] capture stream closed")
				return nil
			default:
				var sessionErr *capture.SessionError
				if errors.As(err, &sessionErr) && !sessionErr.HasCaptured {
					log.Error("[relay] capture never delivered a packet: %v", err)
				} else {
					log.Error("[relay] capture stopped working: %v", err)
				}
				return err
			}
		}

		if opts.LogRawPackets {
			log.Debug("[relay] packet: %d bytes", len(data))
		}

		if err := sink.HandlePacket(data); err != nil {
			// The decoder owns its own error handling; a rejected packet
			// doesn't stop acquisition.
			log.Warn("[relay] sink rejected packet: %v", err)
		}
	}
}
