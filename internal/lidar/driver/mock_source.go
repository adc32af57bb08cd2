package driver

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
)

// MockUDPSocket implements UDPSocket for testing.
type MockUDPSocket struct {
	mu sync.Mutex

	// Packets holds the payloads returned from ReadFromUDP.
	Packets [][]byte
	// ReadIndex tracks the current position in Packets.
	ReadIndex int
	// Closed indicates whether Close was called.
	Closed bool
	// ReadBufferSize holds the value set by SetReadBuffer.
	ReadBufferSize int
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
}

// NewMockUDPSocket creates a socket that yields packets then times out.
func NewMockUDPSocket(port int, packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port},
	}
}

// ReadFromUDP returns the next packet, or a timeout once exhausted.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadIndex >= len(m.Packets) {
		m.mu.Unlock()
		// Yield briefly so an exhausted socket does not spin.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	m.mu.Unlock()
	return copy(b, pkt), m.LocalAddress, nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.ReadBufferSize = bytes
	return nil
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error { return nil }

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// MockUDPSocketFactory implements UDPSocketFactory for testing. Sockets are
// looked up by port.
type MockUDPSocketFactory struct {
	mu sync.Mutex

	Sockets map[int]*MockUDPSocket
	// Error is returned by both listen methods if set.
	Error error
	// ListenCalls records the address of each listen call.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP or ListenMulticastUDP.
type MockListenCall struct {
	Network   string
	Addr      *net.UDPAddr
	Multicast bool
}

// NewMockUDPSocketFactory returns a factory serving sockets by local port.
func NewMockUDPSocketFactory(sockets ...*MockUDPSocket) *MockUDPSocketFactory {
	f := &MockUDPSocketFactory{Sockets: make(map[int]*MockUDPSocket)}
	for _, s := range sockets {
		f.Sockets[s.LocalAddress.Port] = s
	}
	return f
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	return f.listen(network, laddr, false)
}

func (f *MockUDPSocketFactory) ListenMulticastUDP(network string, group *net.UDPAddr) (UDPSocket, error) {
	return f.listen(network, group, true)
}

func (f *MockUDPSocketFactory) listen(network string, addr *net.UDPAddr, multicast bool) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: addr, Multicast: multicast})
	if f.Error != nil {
		return nil, f.Error
	}
	if s, ok := f.Sockets[addr.Port]; ok {
		return s, nil
	}
	return NewMockUDPSocket(addr.Port), nil
}

// Calls returns a copy of the recorded listen calls.
func (f *MockUDPSocketFactory) Calls() []MockListenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockListenCall(nil), f.ListenCalls...)
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// MockPCAPReader implements PCAPReader for testing.
type MockPCAPReader struct {
	mu sync.Mutex

	// Packets holds the frames returned from NextPacket.
	Packets []PCAPPacket
	// ReadIndex tracks the current position in Packets.
	ReadIndex int
	// OpenError is returned by Open if set.
	OpenError error
	// OpenedFile records the filename passed to Open.
	OpenedFile string
	// Closed indicates whether Close was called.
	Closed bool
	// MockLinkType is the link type to return.
	MockLinkType layers.LinkType
}

// NewMockPCAPReader creates a reader over Ethernet frames.
func NewMockPCAPReader(packets []PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{Packets: packets, MockLinkType: layers.LinkTypeEthernet}
}

func (m *MockPCAPReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenedFile = filename
	if m.OpenError != nil {
		return m.OpenError
	}
	m.ReadIndex = 0
	m.Closed = false
	return nil
}

// NextPacket returns the next frame or io.EOF.
func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return nil, io.ErrClosedPipe
	}
	if m.ReadIndex >= len(m.Packets) {
		return nil, io.EOF
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &pkt, nil
}

func (m *MockPCAPReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

func (m *MockPCAPReader) LinkType() layers.LinkType { return m.MockLinkType }

// MockSource implements Source for testing. It replays Packets once per
// Open and then returns io.EOF, or blocks until cancelled when Block is set.
type MockSource struct {
	mu sync.Mutex

	Packets   []Packet
	Errors    map[int]error // error returned instead of the packet at that index
	Block     bool
	OpenError error

	index  int
	opens  int
	closed bool
}

func (m *MockSource) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenError != nil {
		return m.OpenError
	}
	m.index = 0
	m.opens++
	return nil
}

func (m *MockSource) ReadPacket(ctx context.Context) (Packet, error) {
	m.mu.Lock()
	if err := m.Errors[m.index]; err != nil {
		delete(m.Errors, m.index)
		m.mu.Unlock()
		return Packet{}, err
	}
	if m.index < len(m.Packets) {
		pkt := m.Packets[m.index]
		m.index++
		m.mu.Unlock()
		return pkt, nil
	}
	block := m.Block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return Packet{}, ctx.Err()
	}
	return Packet{}, io.EOF
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Opens returns how many times Open succeeded.
func (m *MockSource) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// IsClosed reports whether Close was called.
func (m *MockSource) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
