package netsrc

import (
	"context"
	"log"
	"strings"
)

// LineSubscriber is the slice of the serial mux a serial source needs:
// subscribe to the line stream and release the subscription on exit.
type LineSubscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// SerialConfig configures a serial bridge source.
type SerialConfig struct {
	Mux LineSubscriber

	// DeviceID is assigned to samples whose lines carry no device_id of
	// their own. Single-device bridges usually omit the field to save
	// line budget at low baud rates.
	DeviceID string
}

// SerialSource adapts a serial controller bridge to the sample stream. The
// bridge emits wire records as JSON lines; non-JSON lines (boot banners,
// command echoes) are ignored.
type SerialSource struct {
	mux       LineSubscriber
	deviceID  string
	accepted  uint64
	malformed uint64
}

// NewSerialSource creates a source reading from an already-monitored mux.
func NewSerialSource(cfg SerialConfig) *SerialSource {
	return &SerialSource{mux: cfg.Mux, deviceID: cfg.DeviceID}
}

// Run consumes bridge lines until the context is cancelled or the mux closes
// the subscription.
func (s *SerialSource) Run(ctx context.Context, sink Sink) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.handleLine(line, sink)
		}
	}
}

func (s *SerialSource) handleLine(line string, sink Sink) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return
	}

	var rec Record
	if err := unmarshalRecord([]byte(line), &rec); err != nil {
		if s.malformed++; s.malformed <= 5 {
			log.Printf("dropping malformed serial line: %v", err)
		}
		return
	}
	if rec.DeviceID == "" {
		rec.DeviceID = s.deviceID
	}
	if rec.DeviceID == "" {
		if s.malformed++; s.malformed <= 5 {
			log.Print("dropping serial line without device id")
		}
		return
	}

	if _, _, err := sink.Process(rec.Sample()); err != nil {
		log.Printf("error processing serial sample: %v", err)
		return
	}
	s.accepted++
}

// Counts returns accepted and malformed line totals.
func (s *SerialSource) Counts() (accepted, malformed uint64) {
	return s.accepted, s.malformed
}
