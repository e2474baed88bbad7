package netsrc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/helmworks/steadystick/internal/stick"
)

// looseFloat is a float64 that survives JSON round-trips of non-finite
// values. Standard JSON has no NaN/Inf literals; the wire format quotes them.
type looseFloat float64

func (f looseFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	switch strings.ToLower(s) {
	case "", "null":
		*f = 0
		return nil
	case "nan":
		*f = looseFloat(math.NaN())
		return nil
	case "inf", "+inf", "infinity", "+infinity":
		*f = looseFloat(math.Inf(1))
		return nil
	case "-inf", "-infinity":
		*f = looseFloat(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid float %s", b)
	}
	*f = looseFloat(v)
	return nil
}

// Record is one datagram or capture line of the controller wire format.
// TNanos is the capture-relative timestamp; live transports leave it zero.
type Record struct {
	TNanos   int64      `json:"t_ns,omitempty"`
	DeviceID string     `json:"device_id"`
	X        looseFloat `json:"x"`
	Y        looseFloat `json:"y"`
	Seq      uint64     `json:"seq,omitempty"`
	TruthX   looseFloat `json:"truth_x,omitempty"`
	TruthY   looseFloat `json:"truth_y,omitempty"`
}

// unmarshalRecord parses the JSON without validating required fields, for
// transports that supply defaults of their own.
func unmarshalRecord(data []byte, r *Record) error {
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("decode sample: %w", err)
	}
	return nil
}

// DecodeRecord parses a single wire record. The device id is required; the
// channel values are passed through unchecked, non-finite included.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := unmarshalRecord(data, &r); err != nil {
		return Record{}, err
	}
	if r.DeviceID == "" {
		return Record{}, fmt.Errorf("sample missing device_id")
	}
	return r, nil
}

// EncodeRecord serializes a record for a datagram or capture line (without
// trailing newline).
func EncodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Sample converts a wire record to the domain sample type.
func (r Record) Sample() stick.Sample {
	return stick.Sample{
		DeviceID: r.DeviceID,
		X:        float64(r.X),
		Y:        float64(r.Y),
		Seq:      r.Seq,
		TruthX:   float64(r.TruthX),
		TruthY:   float64(r.TruthY),
	}
}

// RecordFromSample converts a domain sample into a wire record stamped with
// a capture-relative timestamp.
func RecordFromSample(s stick.Sample, tNanos int64) Record {
	return Record{
		TNanos:   tNanos,
		DeviceID: s.DeviceID,
		X:        looseFloat(s.X),
		Y:        looseFloat(s.Y),
		Seq:      s.Seq,
		TruthX:   looseFloat(s.TruthX),
		TruthY:   looseFloat(s.TruthY),
	}
}
