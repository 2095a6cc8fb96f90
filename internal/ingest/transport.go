package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/postbox/internal/record"
)

// MaxDatagramSize is the largest encoded record the datagram transport
// carries.
const MaxDatagramSize = 1024

// DefaultListenAddr is the loopback address the receiver binds by default.
const DefaultListenAddr = "127.0.0.1:5000"

var (
	// ErrMessageTooLarge is returned by the UDP sender for records whose
	// encoding exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("ingest: message exceeds datagram limit")
	// ErrQueueFull is returned by the local queue when its buffer is full.
	ErrQueueFull = errors.New("ingest: queue full")
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("ingest: transport closed")
	// ErrTruncated marks a datagram that was cut at MaxDatagramSize.
	ErrTruncated = errors.New("ingest: datagram truncated")
)

// Datagram is one message read from a Source.
type Datagram struct {
	Payload []byte
	From    string
}

// Sender forwards a record to the receiver without waiting for it to be
// stored.
type Sender interface {
	Send(ctx context.Context, rec record.Record) error
	Close() error
}

// Source yields messages for the receiver. Receive blocks until a message
// arrives or ctx is done.
type Source interface {
	Receive(ctx context.Context) (Datagram, error)
	Close() error
}

// UDPSource reads datagrams from a bound UDP socket.
type UDPSource struct {
	conn *net.UDPConn
	buf  []byte
	mu   sync.Mutex
}

// ListenUDP binds addr for receiving.
func ListenUDP(addr string) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen %q: %w", addr, err)
	}
	// One spare byte tells a truncated datagram apart from one that is
	// exactly MaxDatagramSize long.
	return &UDPSource{conn: conn, buf: make([]byte, MaxDatagramSize+1)}, nil
}

// Addr returns the bound address.
func (s *UDPSource) Addr() net.Addr { return s.conn.LocalAddr() }

// Receive reads the next datagram. Cancelling ctx interrupts the read
// without closing the socket.
func (s *UDPSource) Receive(ctx context.Context) (Datagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Datagram{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	n, from, err := s.conn.ReadFromUDP(s.buf)
	if !stop() {
		// The deadline may have been armed; clear it for the next read.
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			return Datagram{}, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, fmt.Errorf("ingest: read: %w", err)
	}
	dg := Datagram{Payload: append([]byte(nil), s.buf[:n]...)}
	if from != nil {
		dg.From = from.String()
	}
	if n > MaxDatagramSize {
		dg.Payload = dg.Payload[:MaxDatagramSize]
		return dg, ErrTruncated
	}
	return dg, nil
}

// Close releases the socket.
func (s *UDPSource) Close() error { return s.conn.Close() }

// UDPSender writes records as datagrams to the receiver address. It uses an
// unconnected socket, so a receiver that is down never surfaces as a send
// error.
type UDPSender struct {
	conn   *net.UDPConn
	target *net.UDPAddr
}

// DialUDP prepares a sender targeting addr.
func DialUDP(addr string) (*UDPSender, error) {
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: open sender socket: %w", err)
	}
	return &UDPSender{conn: conn, target: target}, nil
}

// Target returns the receiver address.
func (s *UDPSender) Target() string { return s.target.String() }

// Send encodes rec and writes it as one datagram.
func (s *UDPSender) Send(ctx context.Context, rec record.Record) error {
	payload, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(payload), MaxDatagramSize)
	}
	return s.SendRaw(ctx, payload)
}

// SendRaw writes payload as is. It exists for tooling that needs to inject
// arbitrary datagrams.
func (s *UDPSender) SendRaw(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.WriteToUDP(payload, s.target); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("ingest: send to %s: %w", s.target, err)
	}
	return nil
}

// Close releases the socket.
func (s *UDPSender) Close() error { return s.conn.Close() }

// Queue is an in-process transport implementing both Sender and Source.
type Queue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue buffering up to size messages.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan []byte, size), done: make(chan struct{})}
}

// Send enqueues rec or fails with ErrQueueFull when the buffer is full.
func (q *Queue) Send(ctx context.Context, rec record.Record) error {
	payload, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive dequeues the next message.
func (q *Queue) Receive(ctx context.Context) (Datagram, error) {
	select {
	case payload := <-q.ch:
		return Datagram{Payload: payload, From: "local"}, nil
	case <-q.done:
		return Datagram{}, ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Len reports the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops the queue; later sends and receives fail with ErrClosed.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
