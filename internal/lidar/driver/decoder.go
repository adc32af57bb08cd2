package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
)

// ErrNoDecoder is returned when no Decoder is registered for a sensor type.
var ErrNoDecoder = errors.New("no decoder registered")

// Packet is one UDP payload from the sensor, tagged with the destination
// port it arrived on.
type Packet struct {
	Port      uint16
	Data      []byte
	Timestamp time.Time
}

// Decoder turns vendor packets into points. Implementations live outside the
// relay and register themselves with RegisterDecoder, in the same way
// database/sql drivers do.
type Decoder interface {
	// DecodeMSOP returns the points carried by a data packet. split reports
	// that the returned points start a new sweep, closing the frame being
	// filled.
	DecodeMSOP(pkt Packet) (points []cloud.Point, split bool, err error)

	// DecodeDIFOP consumes a device information packet.
	DecodeDIFOP(pkt Packet) error
}

// DecoderFactory builds a Decoder for one driver instance.
type DecoderFactory func() Decoder

var (
	decodersMu sync.RWMutex
	decoders   = make(map[SensorType]DecoderFactory)
)

// RegisterDecoder makes a decoder available for a sensor type. It panics on
// a nil factory or a duplicate registration.
func RegisterDecoder(sensor SensorType, factory DecoderFactory) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if factory == nil {
		panic("driver: RegisterDecoder factory is nil")
	}
	if _, dup := decoders[sensor]; dup {
		panic("driver: RegisterDecoder called twice for " + string(sensor))
	}
	decoders[sensor] = factory
}

// NewDecoder returns a decoder for the sensor type.
func NewDecoder(sensor SensorType) (Decoder, error) {
	decodersMu.RLock()
	factory, ok := decoders[sensor]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for sensor %q", ErrNoDecoder, sensor)
	}
	return factory(), nil
}

// Decoders lists the registered sensor types.
func Decoders() []SensorType {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	out := make([]SensorType, 0, len(decoders))
	for s := range decoders {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unregisterDecoder(sensor SensorType) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	delete(decoders, sensor)
}
