// Package netsrc provides the sample transports that feed controller frames
// into the conditioning sessions: a UDP JSON datagram listener, JSONL capture
// replay, a seeded synthetic generator, pcap replay of recorded UDP streams
// (build tag "pcap"), and a serial bridge reader.
//
// All transports speak the same wire format: one JSON object per datagram or
// line, e.g.
//
//	{"device_id":"pad-1","x":0.0123,"y":-0.0045,"seq":482}
//
// Channels are normalized to [-1, 1]. Non-finite values, which firmware
// emits during ADC glitches, are encoded as quoted tokens ("NaN", "+Inf",
// "-Inf") because bare non-finite literals are not valid JSON. The decoder
// passes them through; the pipeline's sanitizer is responsible for rejecting
// them, so a glitchy feed still exercises the real outlier path.
package netsrc

import (
	"context"

	"github.com/helmworks/steadystick/internal/stick"
)

// Sink consumes decoded controller samples. Implemented by
// stick.SessionManager, which routes each sample to its device session.
type Sink interface {
	Process(s stick.Sample) (stick.Vec6, stick.Diagnostics, error)
}

// Source feeds samples into a sink until the context is cancelled or the
// source is exhausted. Finite sources (capture replay, pcap) return nil at
// end of input; live sources run until cancelled.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}
