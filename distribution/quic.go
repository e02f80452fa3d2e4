package distribution

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/preroll/media"
)

// alpnProtocol is the ALPN identifier for the unit-record stream protocol.
const alpnProtocol = "preroll/1"

// subscriberQueueSize is the per-subscriber send buffer in units. A
// subscriber that falls this far behind the live edge is disconnected
// rather than allowed to stall the fan-out.
const subscriberQueueSize = 256

// QUICServer serves the valve's output to remote subscribers over QUIC.
// Each accepted connection gets one unidirectional stream carrying
// encoded unit records (see format.go) from the moment it subscribes.
//
// QUICServer implements valve.Sink. Push never blocks on the network: the
// per-subscriber queue decouples the valve's synchronous forwarding path
// from subscriber round-trip times, and a subscriber that overflows its
// queue is dropped. Backpressure toward the valve is the business of
// in-process sinks, not of remote fan-out.
type QUICServer struct {
	log  *slog.Logger
	addr string
	tls  *tls.Config

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	next int
}

type subscriber struct {
	id string
	ch chan []byte
}

// NewQUICServer creates a server listening on addr once Start is called.
// The TLS config must carry a certificate; ALPN is set here. If log is
// nil, slog.Default() is used.
func NewQUICServer(addr string, tlsConf *tls.Config, log *slog.Logger) *QUICServer {
	if log == nil {
		log = slog.Default()
	}
	conf := tlsConf.Clone()
	conf.NextProtos = []string{alpnProtocol}
	return &QUICServer{
		log:  log.With("component", "quic-server"),
		addr: addr,
		tls:  conf,
		subs: make(map[*subscriber]struct{}),
	}
}

// Start accepts subscriber connections until the context is cancelled.
func (s *QUICServer) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.tls, &quic.Config{})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.addr, err)
	}
	defer ln.Close()
	s.log.Info("listening", "addr", s.addr)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		go s.serve(ctx, conn)
	}
}

// Push encodes the unit once and enqueues it to every subscriber.
// It always succeeds from the valve's point of view.
func (s *QUICServer) Push(u *media.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}

	record := AppendUnit(make([]byte, 0, unitHeaderSize+len(u.Payload)), u)
	for sub := range s.subs {
		select {
		case sub.ch <- record:
		default:
			s.log.Warn("subscriber overflowed, dropping", "subscriber", sub.id)
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return nil
}

// SubscriberCount returns the number of connected subscribers.
func (s *QUICServer) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *QUICServer) serve(ctx context.Context, conn quic.Connection) {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		s.log.Debug("open stream failed", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "stream setup failed")
		return
	}

	sub := s.addSubscriber(conn.RemoteAddr().String())
	s.log.Info("subscriber connected", "subscriber", sub.id, "subscribers", s.SubscriberCount())
	defer func() {
		s.removeSubscriber(sub)
		conn.CloseWithError(0, "done")
		s.log.Info("subscriber disconnected", "subscriber", sub.id, "subscribers", s.SubscriberCount())
	}()

	for {
		select {
		case record, ok := <-sub.ch:
			if !ok {
				return
			}
			if _, err := stream.Write(record); err != nil {
				s.log.Debug("subscriber write failed", "subscriber", sub.id, "error", err)
				return
			}
		case <-ctx.Done():
			return
		case <-conn.Context().Done():
			return
		}
	}
}

func (s *QUICServer) addSubscriber(remote string) *subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	sub := &subscriber{
		id: fmt.Sprintf("%s#%d", remote, s.next),
		ch: make(chan []byte, subscriberQueueSize),
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *QUICServer) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}
