// Package cmdsock serves the ndsctl control socket.
package cmdsock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler produces the reply to one command line.
type Handler func(ctx context.Context, cmd string) string

// Listener serves a line protocol on a Unix socket: each line received is a
// command and is answered with the handler's reply followed by a newline.
// Clients send their commands, half-close, and read until EOF.
type Listener struct {
	path    string
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a new command socket listener.
func NewListener(path string, handler Handler, logger zerolog.Logger) *Listener {
	return &Listener{
		path:    path,
		handler: handler,
		logger:  logger.With().Str("component", "cmdsock").Logger(),
	}
}

// Start binds the socket and serves connections in the background until ctx
// is done or Stop is called. An empty path disables the listener.
func (l *Listener) Start(ctx context.Context) error {
	if l.path == "" {
		l.logger.Info().Msg("Command socket path is not configured, listener disabled.")
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old command socket: %w", err)
	}
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("failed to start command socket listener: %w", err)
	}
	if err := os.Chmod(l.path, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set command socket permissions: %w", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.listener = ln
	l.done = done
	l.mu.Unlock()
	l.logger.Info().Str("path", l.path).Msg("Command socket listener started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.serve(ctx, ln)
	}()
	return nil
}

func (l *Listener) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error().Err(err).Msg("Failed to accept command socket connection")
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		l.logger.Debug().Str("cmd", cmd).Msg("Received command")
		reply := l.handler(ctx, cmd)
		if !strings.HasSuffix(reply, "\n") {
			reply += "\n"
		}
		if _, err := w.WriteString(reply); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to write command reply")
			return
		}
		if err := w.Flush(); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to write command reply")
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		l.logger.Error().Err(err).Msg("Error reading from command socket")
	}
}

// Stop closes the socket and removes the socket file. In-flight commands finish.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return
	}
	l.listener.Close()
	l.listener = nil
	close(l.done)
	os.Remove(l.path)
	l.logger.Info().Msg("Command socket listener stopped")
}

// Wait blocks until every connection has been served after Stop.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// Send connects to the socket at path, sends cmd and returns the reply.
func Send(ctx context.Context, path, cmd string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	var b strings.Builder
	r := bufio.NewReader(conn)
	if _, err := r.WriteTo(&b); err != nil {
		return b.String(), fmt.Errorf("failed to read reply: %w", err)
	}
	return b.String(), nil
}
