package driver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPPacket is one link-layer frame read from a capture file.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader provides sequential access to the frames in a capture. This
// abstraction enables unit testing without real PCAP files.
type PCAPReader interface {
	// Open opens a capture file for reading.
	Open(filename string) error

	// NextPacket returns the next frame, or io.EOF when the capture is
	// exhausted.
	NextPacket() (*PCAPPacket, error)

	// Close releases the file.
	Close()

	// LinkType returns the link type of the capture.
	LinkType() layers.LinkType
}

// GoPacketReader implements PCAPReader with gopacket's pure-Go pcap and
// pcapng readers, so replay needs neither cgo nor libpcap.
type GoPacketReader struct {
	f    *os.File
	src  packetDataReader
	link layers.LinkType
}

// packetDataReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

const pcapngMagic = 0x0A0D0D0A

// Open detects pcap vs pcapng from the file magic.
func (r *GoPacketReader) Open(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", filename, err)
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read PCAP header %s: %w", filename, err)
	}
	if binary.LittleEndian.Uint32(head) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to read pcapng %s: %w", filename, err)
		}
		r.src, r.link = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to read pcap %s: %w", filename, err)
		}
		r.src, r.link = pr, pr.LinkType()
	}
	r.f = f
	return nil
}

// NextPacket returns the next frame.
func (r *GoPacketReader) NextPacket() (*PCAPPacket, error) {
	if r.src == nil {
		return nil, io.ErrClosedPipe
	}
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		return nil, err
	}
	return &PCAPPacket{Data: data, Timestamp: ci.Timestamp}, nil
}

// Close closes the file.
func (r *GoPacketReader) Close() {
	if r.f != nil {
		r.f.Close()
	}
	r.f, r.src = nil, nil
}

// LinkType returns the capture's link type.
func (r *GoPacketReader) LinkType() layers.LinkType {
	return r.link
}

// PCAPSource replays the UDP payloads addressed to the MSOP and DIFOP ports
// of a capture. Other traffic is skipped.
type PCAPSource struct {
	params    Params
	newReader func() PCAPReader
	logf      func(string, ...interface{})

	reader      PCAPReader
	frames      int
	lastCapture time.Time
}

// NewPCAPSource returns a source for p. newReader may be nil to use
// GoPacketReader.
func NewPCAPSource(p Params, newReader func() PCAPReader) *PCAPSource {
	if newReader == nil {
		newReader = func() PCAPReader { return &GoPacketReader{} }
	}
	return &PCAPSource{params: p, newReader: newReader, logf: driverLogf}
}

// Open (re)opens the capture from the beginning.
func (s *PCAPSource) Open(ctx context.Context) error {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	r := s.newReader()
	if err := r.Open(s.params.PCAPPath); err != nil {
		return err
	}
	s.reader = r
	s.frames = 0
	s.lastCapture = time.Time{}
	s.logf("PCAP replay of %s (link %s, msop=%d difop=%d, rate=%.1fx)",
		s.params.PCAPPath, r.LinkType(), s.params.MSOPPort, s.params.DIFOPPort, s.params.PCAPRate)
	return nil
}

// ReadPacket returns the next sensor packet, pacing delivery when a replay
// rate is configured.
func (s *PCAPSource) ReadPacket(ctx context.Context) (Packet, error) {
	if s.reader == nil {
		return Packet{}, io.ErrClosedPipe
	}
	for {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		raw, err := s.reader.NextPacket()
		if err != nil {
			if err == io.EOF {
				s.logf("PCAP replay complete: %d frames read", s.frames)
			}
			return Packet{}, err
		}
		s.frames++

		decoded := gopacket.NewPacket(raw.Data, s.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		port := uint16(udp.DstPort)
		if port != s.params.MSOPPort && port != s.params.DIFOPPort {
			continue
		}

		if err := s.pace(ctx, raw.Timestamp); err != nil {
			return Packet{}, err
		}
		return Packet{Port: port, Data: udp.Payload, Timestamp: raw.Timestamp}, nil
	}
}

// pace sleeps for the scaled gap between consecutive capture timestamps.
func (s *PCAPSource) pace(ctx context.Context, captured time.Time) error {
	defer func() { s.lastCapture = captured }()
	if s.params.PCAPRate <= 0 || s.lastCapture.IsZero() {
		return nil
	}
	delay := time.Duration(float64(captured.Sub(s.lastCapture)) / s.params.PCAPRate)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close closes the capture.
func (s *PCAPSource) Close() error {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	return nil
}
