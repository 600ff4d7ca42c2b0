package protocol

import (
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener runs an accept loop and hands every connection to its own
// goroutine. The handler owns the connection and must close it.
type Listener struct {
	handle func(net.Conn)

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewListener creates a Listener dispatching to handle.
func NewListener(handle func(net.Conn)) *Listener {
	return &Listener{handle: handle, conns: make(map[net.Conn]struct{})}
}

// Listen binds addr and starts accepting in the background. Use port 0 to
// listen on a random available port.
func (l *Listener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if !l.adopt(ln) {
		return net.ErrClosed
	}
	go l.serve(ln)
	return nil
}

// Serve accepts on ln until the Listener is closed. It blocks; Listen is the
// usual entry point.
func (l *Listener) Serve(ln net.Listener) error {
	if !l.adopt(ln) {
		return net.ErrClosed
	}
	l.serve(ln)
	return nil
}

// adopt registers ln as the active listener, or closes it if l is closed.
func (l *Listener) adopt(ln net.Listener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		ln.Close()
		return false
	}
	l.ln = ln
	l.wg.Add(1)
	return true
}

// Addr returns the bound address, or "" before Listen.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// serve is the accept loop. Accept errors other than a closed listener are
// logged and retried with exponential backoff.
func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.isClosed() {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			log.Error().Err(err).Dur("retry_in", delay).Msg("accept")
			time.Sleep(delay)
			continue
		}
		delay = 0
		if !l.track(nc) {
			nc.Close()
			return
		}
		l.wg.Add(1)
		go l.run(nc)
	}
}

// run invokes the handler for nc. A panicking handler drops its connection
// and is logged; the listener keeps serving.
func (l *Listener) run(nc net.Conn) {
	defer l.wg.Done()
	defer l.untrack(nc)
	defer func() {
		if r := recover(); r != nil {
			nc.Close()
			log.Error().
				Interface("panic", r).
				Str("remote", nc.RemoteAddr().String()).
				Bytes("stack", debug.Stack()).
				Msg("connection handler panicked")
		}
	}()
	l.handle(nc)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) track(nc net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[nc] = struct{}{}
	return true
}

func (l *Listener) untrack(nc net.Conn) {
	l.mu.Lock()
	delete(l.conns, nc)
	l.mu.Unlock()
}

// Close stops accepting, aborts open connections and waits for handlers to
// return. It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for nc := range l.conns {
		nc.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}
