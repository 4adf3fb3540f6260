// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
)

const (
	// DefaultPeerTimeout is the default timeout for idle peers.
	DefaultPeerTimeout = 5 * time.Minute

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 100
)

// Receiver consumes inbound datagrams. It is called from the worker pool
// and must be safe for concurrent use. data is owned by the receiver.
type Receiver interface {
	HandleDatagram(ctx context.Context, from net.Addr, data []byte)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, from net.Addr, data []byte)

// HandleDatagram calls f.
func (f ReceiverFunc) HandleDatagram(ctx context.Context, from net.Addr, data []byte) {
	f(ctx, from, data)
}

// Config holds the UDP transport configuration.
type Config struct {
	// Address is the listen address (host:port). Use ":0" for an
	// ephemeral client port.
	Address string

	// PeerTimeout is the idle timeout after which a peer is forgotten.
	PeerTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peers allowed.
	// Datagrams from new peers beyond the limit are dropped.
	// If 0, no limit is enforced.
	MaxPeers int

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines processing datagrams.
	// If 0, uses DefaultWorkerPoolSize (100).
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// RateLimitCapacity and RateLimitRefill configure a token bucket per
	// peer (burst size and datagrams per second). A zero capacity
	// disables rate limiting.
	RateLimitCapacity int64
	RateLimitRefill   int64

	// Logger for transport events
	Logger *slog.Logger

	// Metrics, optional
	Metrics *metrics.Metrics
}

// packetJob is a datagram queued for the worker pool.
type packetJob struct {
	from *net.UDPAddr
	data []byte
}

// Transport is a UDP socket with a worker pool delivering datagrams to a
// Receiver. It implements the endpoint's transport boundary.
type Transport struct {
	config     Config
	peers      *PeerTable
	limiter    *ratelimit.Limiter
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup

	mu    sync.RWMutex
	conn  *net.UDPConn
	ready chan struct{}
}

// New creates a transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	t := &Transport{
		config: cfg,
		bufferPool: &sync.Pool{
			New: func() any {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
		packetCh: make(chan packetJob, cfg.WorkerPoolSize*2),
		ready:    make(chan struct{}),
	}
	t.peers = NewPeerTable(cfg.Logger, cfg.MaxPeers, t.peerRemoved)
	if cfg.RateLimitCapacity > 0 {
		t.limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.MaxPeers, cfg.PeerTimeout)
	}
	return t
}

// Listen binds the socket and delivers datagrams to r until ctx is
// cancelled. It returns nil after a clean shutdown.
func (t *Transport) Listen(ctx context.Context, r Receiver) error {
	addr, err := net.ResolveUDPAddr("udp", t.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", t.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.Address, err)
	}
	defer conn.Close()

	if t.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(t.config.ReadBufferSize); err != nil {
			t.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if t.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(t.config.WriteBufferSize); err != nil {
			t.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport already listening on %s", t.conn.LocalAddr())
	}
	t.conn = conn
	close(t.ready)
	t.mu.Unlock()

	t.config.Logger.Info("UDP transport started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("peer_timeout", t.config.PeerTimeout),
		slog.Int("worker_pool_size", t.config.WorkerPoolSize),
		slog.Int("buffer_size", t.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	t.startWorkerPool(workerCtx, r)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go t.peers.Cleanup(cleanupCtx, t.config.PeerTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(ctx, conn)
	}()

	<-ctx.Done()
	t.config.Logger.Info("shutdown signal received, closing socket")

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	if err := conn.Close(); err != nil {
		t.config.Logger.Error("error closing socket", slog.String("error", err.Error()))
	}

	<-readDone

	close(t.packetCh)
	workerCancel()
	t.workerWg.Wait()
	t.config.Logger.Info("all workers stopped")

	t.peers.Clear()
	if t.limiter != nil {
		t.limiter.Close()
	}
	t.config.Metrics.SetPeers(0)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufPtr := t.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			t.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
				t.config.Metrics.TransportError("read")
				t.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		t.bufferPool.Put(bufPtr)

		select {
		case t.packetCh <- packetJob{from: from, data: datagram}:
		case <-ctx.Done():
			return
		default:
			// Dropping is safe: CON senders retransmit.
			t.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("remote", from.String()))
		}
	}
}

func (t *Transport) startWorkerPool(ctx context.Context, r Receiver) {
	for i := 0; i < t.config.WorkerPoolSize; i++ {
		t.workerWg.Add(1)
		go func(workerID int) {
			defer t.workerWg.Done()
			t.packetWorker(ctx, r, workerID)
		}(i)
	}
	t.config.Logger.Info("worker pool started", slog.Int("workers", t.config.WorkerPoolSize))
}

func (t *Transport) packetWorker(ctx context.Context, r Receiver, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-t.packetCh:
			if !ok {
				return
			}
			if err := t.admit(job.from); err != nil {
				t.config.Logger.Debug("datagram dropped",
					slog.Int("worker", workerID),
					slog.String("remote", job.from.String()),
					slog.String("error", err.Error()))
				continue
			}
			r.HandleDatagram(ctx, job.from, job.data)
		}
	}
}

// admit records the datagram's peer and applies the peer limit and the
// per-peer rate limit.
func (t *Transport) admit(from *net.UDPAddr) error {
	_, isNew, err := t.peers.GetOrCreate(from)
	if err != nil {
		return err
	}
	if isNew {
		t.config.Metrics.SetPeers(t.peers.Count())
	}
	if t.limiter != nil && !t.limiter.Allow(from.String()) {
		t.config.Metrics.RateLimited()
		return ratelimit.ErrRateLimitExceeded
	}
	return nil
}

func (t *Transport) peerRemoved(p *Peer) {
	if t.limiter != nil {
		t.limiter.Remove(p.Addr.String())
	}
	t.config.Metrics.SetPeers(t.peers.Count())
}

// Send writes one datagram to addr.
func (t *Transport) Send(ctx context.Context, addr net.Addr, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errors.ErrNotListening
	}

	to, err := udpAddr(addr)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		t.config.Metrics.TransportError("write")
		return fmt.Errorf("%w: %w", errors.ErrTransmissionFailed, err)
	}
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (t *Transport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Ready is closed once the socket is bound.
func (t *Transport) Ready() <-chan struct{} {
	return t.ready
}

// Peers returns the peer table.
func (t *Transport) Peers() *PeerTable {
	return t.peers
}

func udpAddr(addr net.Addr) (*net.UDPAddr, error) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua, nil
	}
	ua, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	return ua, nil
}
