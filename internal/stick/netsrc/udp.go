package netsrc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPConfig contains configuration options for the UDP sample listener.
type UDPConfig struct {
	Address     string           // host:port to bind, e.g. ":9876"
	RcvBuf      int              // OS receive buffer size; 0 keeps the default
	LogInterval time.Duration    // stats log cadence; default one minute
	Factory     UDPSocketFactory // optional, injected by tests
}

// UDPSource receives controller samples as JSON datagrams, one sample per
// datagram. A 60 Hz feed per device is the expected cadence; malformed
// datagrams are counted and dropped without disturbing the stream.
type UDPSource struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	factory     UDPSocketFactory

	connMu sync.RWMutex
	conn   UDPSocket

	datagrams atomic.Uint64
	malformed atomic.Uint64
	samples   atomic.Uint64
}

// NewUDPSource creates a UDP listener with the provided configuration.
func NewUDPSource(cfg UDPConfig) *UDPSource {
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	factory := cfg.Factory
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}
	return &UDPSource{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: logInterval,
		factory:     factory,
	}
}

// Run binds the socket and processes datagrams until the context is
// cancelled or the source is closed.
func (l *UDPSource) Run(ctx context.Context, sink Sink) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.setConn(conn)
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	log.Printf("UDP sample listener started on %s", conn.LocalAddr())

	go l.statsLogging(ctx)

	// Sample datagrams are well under 200 bytes; 2048 leaves margin for
	// future fields without fragmenting.
	buffer := make([]byte, 2048)
	var deadlineErrLogged bool

	for {
		select {
		case <-ctx.Done():
			log.Print("UDP sample listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Short read deadline so context cancellation is noticed
			// promptly.
			if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				if !deadlineErrLogged {
					log.Printf("failed to set read deadline: %v", err)
					deadlineErrLogged = true
				}
			}

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return nil
				}
				log.Printf("UDP read error: %v", err)
				continue
			}

			l.handleDatagram(buffer[:n], addr, sink)
		}
	}
}

// handleDatagram decodes and dispatches one datagram.
func (l *UDPSource) handleDatagram(data []byte, addr *net.UDPAddr, sink Sink) {
	l.datagrams.Add(1)

	rec, err := DecodeRecord(data)
	if err != nil {
		// Log the first few, then only count: a misconfigured sender at
		// 60 Hz would otherwise flood the log.
		if l.malformed.Add(1) <= 5 {
			log.Printf("dropping malformed datagram from %v: %v", addr, err)
		}
		return
	}

	if _, _, err := sink.Process(rec.Sample()); err != nil {
		log.Printf("error processing sample from %v: %v", addr, err)
		return
	}
	l.samples.Add(1)
}

// statsLogging periodically reports datagram counters. An early first report
// avoids a long silence on startup.
func (l *UDPSource) statsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.logStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.logStats()
		}
	}
}

func (l *UDPSource) logStats() {
	log.Printf("UDP samples: %d datagrams, %d accepted, %d malformed",
		l.datagrams.Load(), l.samples.Load(), l.malformed.Load())
}

// Stats returns the datagram counters (received, accepted, malformed).
func (l *UDPSource) Stats() (datagrams, samples, malformed uint64) {
	return l.datagrams.Load(), l.samples.Load(), l.malformed.Load()
}

// LocalAddr returns the bound address, or nil before Run binds the socket.
// Useful when binding port 0.
func (l *UDPSource) LocalAddr() net.Addr {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPSource) setConn(conn UDPSocket) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = conn
}

// Close closes the socket, unblocking Run. Safe to call multiple times.
func (l *UDPSource) Close() error {
	l.connMu.Lock()
	conn := l.conn
	l.conn = nil
	l.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
