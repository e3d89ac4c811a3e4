package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/credo-hq/credo/internal/device"
	"github.com/credo-hq/credo/internal/fault"
)

// maxDatagram bounds one chunked-transport packet. Recorders send small
// frames; anything larger is a framing error.
const maxDatagram = 64 * 1024

// pendingConns bounds how many accepted connections queue per device
// while its reader worker is between opens.
const pendingConns = 1

// streamListener accepts TCP connections from serial-style recorders and
// hands each one to the registry as a stream transport.
//
// Devices are keyed by remote host, so a recorder that drops and redials
// lands on its existing registry entry: the listener feeds the new
// connection to the same transport, whose Open call is blocked waiting
// for it.
type streamListener struct {
	addr     string
	registry *device.Registry

	mu    sync.Mutex
	conns map[string]chan net.Conn

	ln net.Listener
}

func newStreamListener(addr string, registry *device.Registry) *streamListener {
	return &streamListener{
		addr:     addr,
		registry: registry,
		conns:    make(map[string]chan net.Conn),
	}
}

// Start binds the listener and launches the accept loop. The loop exits
// when ctx is canceled.
func (l *streamListener) Start(ctx context.Context, wg *sync.WaitGroup) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	slog.Info("stream listener up", "addr", ln.Addr())

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		defer wg.Done()
		l.acceptLoop(ctx, ln)
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }

func (l *streamListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("stream accept failed", "err", err)
			continue
		}
		l.deliver(ctx, conn)
	}
}

// deliver routes an accepted connection to its device's transport,
// registering the device on first contact.
func (l *streamListener) deliver(ctx context.Context, conn net.Conn) {
	id := "stream-" + remoteHost(conn.RemoteAddr())

	l.mu.Lock()
	ch, known := l.conns[id]
	if !known {
		ch = make(chan net.Conn, pendingConns)
		l.conns[id] = ch
	}
	l.mu.Unlock()

	if !known {
		tr := device.NewStreamTransport(func(openCtx context.Context) (io.ReadWriteCloser, error) {
			select {
			case <-openCtx.Done():
				return nil, openCtx.Err()
			case c := <-ch:
				return c, nil
			}
		})
		if err := l.registry.Discover(id, id, tr); err != nil {
			slog.Warn("stream device discovery failed", "device_id", id, "err", err)
			conn.Close()
			return
		}
		// The recorder is already talking; attach the reader now rather
		// than waiting for an explicit connect call.
		if err := l.registry.Connect(id); err != nil && !fault.IsKind(err, fault.KindConflict) {
			slog.Warn("stream device connect failed", "device_id", id, "err", err)
		}
	}

	select {
	case ch <- conn:
	case <-ctx.Done():
		conn.Close()
	default:
		// A stale connection is still queued; the newest one wins.
		select {
		case old := <-ch:
			old.Close()
		default:
		}
		select {
		case ch <- conn:
		default:
			conn.Close()
		}
	}
}

// chunkedListener receives UDP datagrams from wireless recorders and
// demultiplexes them by source host into per-device packet connections.
type chunkedListener struct {
	addr     string
	registry *device.Registry

	mu      sync.Mutex
	devices map[string]*udpDevice

	conn *net.UDPConn
}

// udpDevice is the packet connection one wireless recorder reads from.
type udpDevice struct {
	packets chan []byte
	conn    *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr
}

var _ device.PacketConn = (*udpDevice)(nil)

func (d *udpDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-d.packets:
		return p, nil
	}
}

func (d *udpDevice) WritePacket(_ context.Context, p []byte) error {
	d.mu.Lock()
	remote := d.remote
	d.mu.Unlock()
	_, err := d.conn.WriteToUDP(p, remote)
	return err
}

func (d *udpDevice) setRemote(remote *net.UDPAddr) {
	d.mu.Lock()
	d.remote = remote
	d.mu.Unlock()
}

func (d *udpDevice) Close() error { return nil }

func newChunkedListener(addr string, registry *device.Registry) *chunkedListener {
	return &chunkedListener{
		addr:     addr,
		registry: registry,
		devices:  make(map[string]*udpDevice),
	}
}

// Start binds the UDP socket and launches the read loop.
func (l *chunkedListener) Start(ctx context.Context, wg *sync.WaitGroup) error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	l.conn = conn
	slog.Info("chunked listener up", "addr", conn.LocalAddr())

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		l.readLoop(ctx, conn)
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (l *chunkedListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *chunkedListener) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("chunked read failed", "err", err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		l.deliver(ctx, conn, remote, packet)
	}
}

func (l *chunkedListener) deliver(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, packet []byte) {
	id := "chunked-" + remote.IP.String()

	l.mu.Lock()
	dev, known := l.devices[id]
	if !known {
		dev = &udpDevice{
			packets: make(chan []byte, 256),
			conn:    conn,
		}
		dev.setRemote(remote)
		l.devices[id] = dev
	} else {
		// Recorders may rebind their source port between sessions.
		dev.setRemote(remote)
	}
	l.mu.Unlock()

	if !known {
		d := dev
		tr := device.NewChunkedTransport(func(context.Context) (device.PacketConn, error) {
			return d, nil
		})
		if err := l.registry.Discover(id, id, tr); err != nil {
			slog.Warn("chunked device discovery failed", "device_id", id, "err", err)
			return
		}
		if err := l.registry.Connect(id); err != nil && !fault.IsKind(err, fault.KindConflict) {
			slog.Warn("chunked device connect failed", "device_id", id, "err", err)
		}
	}

	select {
	case dev.packets <- packet:
	case <-ctx.Done():
	default:
		// Dropping under pressure is safe: the jitter bound truncates the
		// session rather than stitching audio across the gap.
	}
}

// remoteHost strips the port from a remote address.
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
