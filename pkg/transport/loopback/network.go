package loopback

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gridlink/gridlink/pkg/transport"
)

// Connection errors raised on the event feeds or returned from Start.
var (
	ErrNoServer       = errors.New("loopback: no server listening")
	ErrServerFull     = errors.New("loopback: server full")
	ErrServerStopped  = errors.New("loopback: server stopped")
	ErrClosedByServer = errors.New("loopback: closed by server")
	ErrPortInUse      = errors.New("loopback: port already in use")
)

// Network is the in-process switchboard connecting loopback peers to
// loopback servers. Servers claim a port on Start; peers resolve it on
// Connect. The zero value is ready to use.
type Network struct {
	mu      sync.Mutex
	servers map[int]*Server
}

// DefaultNetwork is used by any Config that leaves Network nil, letting
// unrelated packages talk without sharing a handle.
var DefaultNetwork = NewNetwork()

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{}
}

func (n *Network) listen(port int, s *Server) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.servers == nil {
		n.servers = make(map[int]*Server)
	}
	if _, taken := n.servers[port]; taken {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	n.servers[port] = s
	return nil
}

func (n *Network) release(port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, port)
}

func (n *Network) lookup(port int) (*Server, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.servers[port]
	return s, ok
}

// parseAddr extracts the port from addr. Bare ports ("7777") and
// host:port pairs ("127.0.0.1:7777") are both accepted; the host part is
// ignored.
func parseAddr(addr string) (int, error) {
	if _, portStr, err := net.SplitHostPort(addr); err == nil {
		addr = portStr
	}
	port, err := strconv.Atoi(addr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", transport.ErrInvalidAddress, addr)
	}
	return port, nil
}
