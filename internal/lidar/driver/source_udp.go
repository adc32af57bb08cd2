package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrSourceIdle is returned by Source.ReadPacket when no packet arrived
// within the idle timeout. The source remains usable.
var ErrSourceIdle = errors.New("packet source idle")

// Source yields sensor packets. ReadPacket returns io.EOF when a finite
// source is exhausted; Open may be called again afterwards to rewind.
type Source interface {
	Open(ctx context.Context) error
	ReadPacket(ctx context.Context) (Packet, error)
	Close() error
}

// UDPSocket defines an interface for UDP socket operations.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
	ListenMulticastUDP(network string, group *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory with the net package.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// ListenUDP opens a unicast/broadcast socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ListenMulticastUDP joins group on the default interface.
func (RealUDPSocketFactory) ListenMulticastUDP(network string, group *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenMulticastUDP(network, nil, group)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	udpReadDeadline = 100 * time.Millisecond
	maxPacketSize   = 2048
)

// UDPSource reads MSOP and DIFOP packets from two sockets.
type UDPSource struct {
	params  Params
	factory UDPSocketFactory
	idle    time.Duration
	logf    func(string, ...interface{})

	mu      sync.Mutex
	sockets []UDPSocket
	packets chan Packet
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPSource returns a source for p. idle bounds how long ReadPacket waits
// before reporting ErrSourceIdle; zero disables the idle report.
func NewUDPSource(p Params, factory UDPSocketFactory, idle time.Duration) *UDPSource {
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	return &UDPSource{params: p, factory: factory, idle: idle, logf: driverLogf}
}

// Open binds both ports and starts the read goroutines.
func (s *UDPSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	var sockets []UDPSocket
	for _, port := range []uint16{s.params.MSOPPort, s.params.DIFOPPort} {
		sock, err := s.listen(port)
		if err != nil {
			for _, open := range sockets {
				open.Close()
			}
			return fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
		}
		if s.params.RcvBuf > 0 {
			if err := sock.SetReadBuffer(s.params.RcvBuf); err != nil {
				s.logf("Warning: failed to set UDP receive buffer size to %d: %v", s.params.RcvBuf, err)
			}
		}
		sockets = append(sockets, sock)
	}

	readCtx, cancel := context.WithCancel(ctx)
	s.sockets = sockets
	s.packets = make(chan Packet, 256)
	s.cancel = cancel
	for i, sock := range sockets {
		port := s.params.MSOPPort
		if i == 1 {
			port = s.params.DIFOPPort
		}
		s.wg.Add(1)
		go s.readLoop(readCtx, sock, port, s.packets)
	}
	s.logf("UDP source listening on %s ports msop=%d difop=%d", s.params.HostAddress, s.params.MSOPPort, s.params.DIFOPPort)
	return nil
}

func (s *UDPSource) listen(port uint16) (UDPSocket, error) {
	if s.params.GroupAddress != "" {
		group := net.ParseIP(s.params.GroupAddress)
		if group != nil && group.IsMulticast() {
			return s.factory.ListenMulticastUDP("udp4", &net.UDPAddr{IP: group, Port: int(port)})
		}
		s.logf("group address %s is not multicast, listening unicast", s.params.GroupAddress)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.params.HostAddress, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	return s.factory.ListenUDP("udp", addr)
}

func (s *UDPSource) readLoop(ctx context.Context, sock UDPSocket, port uint16, out chan<- Packet) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		// Short deadlines let the loop observe cancellation.
		_ = sock.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logf("UDP read error on port %d: %v", port, err)
			continue
		}
		pkt := Packet{Port: port, Data: append([]byte(nil), buf[:n]...), Timestamp: time.Now()}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// ReadPacket returns the next packet from either port.
func (s *UDPSource) ReadPacket(ctx context.Context) (Packet, error) {
	s.mu.Lock()
	packets := s.packets
	s.mu.Unlock()
	if packets == nil {
		return Packet{}, io.ErrClosedPipe
	}

	var idle <-chan time.Time
	if s.idle > 0 {
		t := time.NewTimer(s.idle)
		defer t.Stop()
		idle = t.C
	}
	select {
	case pkt := <-packets:
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-idle:
		return Packet{}, ErrSourceIdle
	}
}

// Close stops the read goroutines and closes the sockets.
func (s *UDPSource) Close() error {
	s.mu.Lock()
	cancel, sockets := s.cancel, s.sockets
	s.cancel, s.sockets, s.packets = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var firstErr error
	for _, sock := range sockets {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}
