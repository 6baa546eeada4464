// Package status carries assistant hook events to a running shepard over a
// unix socket. Each event is one JSON object per line.
package status

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ehayes2000/shepard/internal/logger"
)

// EnvSocket is the variable children read the socket path from.
const EnvSocket = "SHEPARD_STATUS_SOCKET"

// EnvSession names the session a child belongs to.
const EnvSession = "SHEPARD_SESSION"

// Kind is a hook event type.
type Kind string

const (
	// KindStop means the assistant finished its turn and waits for input.
	KindStop Kind = "stop"
	// KindNotification means the assistant asks for attention.
	KindNotification Kind = "notification"
)

// ErrUnknownEvent is returned for event kinds other than stop and
// notification.
var ErrUnknownEvent = errors.New("unknown event")

// ParseKind validates s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindStop, KindNotification:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
}

// Event is one message on the socket.
type Event struct {
	Session string `json:"session"`
	Event   Kind   `json:"event"`
}

// DefaultPath returns a per-process socket path under $XDG_RUNTIME_DIR, or
// the temp directory when that is unset.
func DefaultPath() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = filepath.Join(os.TempDir(), "shepard-"+strconv.Itoa(os.Getuid()))
	} else {
		base = filepath.Join(base, "shepard")
	}
	return filepath.Join(base, "status-"+strconv.Itoa(os.Getpid())+".sock")
}

// Server accepts event connections.
type Server struct {
	ln   net.Listener
	path string
	wg   sync.WaitGroup
	log  *slog.Logger
}

// Listen binds path, replacing a stale socket file.
func Listen(path string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return &Server{ln: ln, path: path, log: logger.ComponentLogger("status")}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve calls handle for every well-formed event until ctx is done or the
// server is closed. handle may be called from several goroutines.
func (s *Server) Serve(ctx context.Context, handle func(Event)) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accepting status connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, handle)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handle func(Event)) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			s.log.Warn("malformed status event", "error", err)
			continue
		}
		if _, err := ParseKind(string(ev.Event)); err != nil || ev.Session == "" {
			s.log.Warn("ignoring status event", "session", ev.Session, "event", ev.Event)
			continue
		}
		handle(ev)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Send delivers one event to the server at path.
func Send(ctx context.Context, path string, ev Event) error {
	if _, err := ParseKind(string(ev.Event)); err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("connecting to shepard: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sending event: %w", err)
	}
	return nil
}
