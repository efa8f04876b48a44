package bridge

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
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/capability"
	"proctord/internal/lockdown"
)

var (
	// ErrNotConnected is returned for commands issued while no helper is
	// attached.
	ErrNotConnected = errors.New("bridge: helper not connected")

	// ErrRejected wraps a negative ack from the helper.
	ErrRejected = errors.New("bridge: command rejected")
)

// maxLineSize bounds a single inbound message line.
const maxLineSize = 64 * 1024

// commandTimeout bounds helper acks for calls that carry no context.
const commandTimeout = 5 * time.Second

// Bridge is the engine end of the browser helper connection. One helper at
// a time; a new connection replaces the previous one.
type Bridge struct {
	socketPath string
	logger     *slog.Logger

	listener net.Listener

	mu         sync.Mutex
	conn       net.Conn
	fullscreen bool
	hidden     bool
	focus      bool
	features   capability.Features
	meta       capability.Metadata

	writeMu sync.Mutex

	nextID  atomic.Uint64
	ackMu   sync.Mutex
	pending map[uint64]chan inboundMessage

	helloOnce sync.Once
	helloCh   chan struct{}

	events chan lockdown.Event

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a bridge listening on the given Unix socket path.
func New(socketPath string, logger *slog.Logger) *Bridge {
	return &Bridge{
		socketPath: socketPath,
		logger:     logger.With("component", "bridge"),
		pending:    make(map[uint64]chan inboundMessage),
		helloCh:    make(chan struct{}),
		events:     make(chan lockdown.Event, 100),
		done:       make(chan struct{}),
	}
}

// Start begins listening for helper connections.
func (b *Bridge) Start() error {
	if err := os.MkdirAll(filepath.Dir(b.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket file.
	if err := os.Remove(b.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(b.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	b.listener = listener
	b.running.Store(true)

	b.wg.Add(1)
	go b.acceptLoop()

	b.logger.Info("listening", "socket", b.socketPath)
	return nil
}

// Stop shuts the bridge down and closes the event stream.
func (b *Bridge) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}

	close(b.done)
	if b.listener != nil {
		b.listener.Close()
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.events)
	os.Remove(b.socketPath)
	return nil
}

// WaitHello blocks until the helper has announced its capabilities.
func (b *Bridge) WaitHello(ctx context.Context) (capability.Features, capability.Metadata, error) {
	select {
	case <-b.helloCh:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.features, b.meta, nil
	case <-b.done:
		return capability.Features{}, capability.Metadata{}, ErrNotConnected
	case <-ctx.Done():
		return capability.Features{}, capability.Metadata{}, ctx.Err()
	}
}

// Connected reports whether a helper is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			b.logger.Warn("accept failed", "error", err)
			continue
		}

		b.mu.Lock()
		if b.conn != nil {
			b.logger.Info("helper replaced, closing previous connection")
			b.conn.Close()
		}
		b.conn = conn
		b.mu.Unlock()

		b.send(command{Op: OpWelcome, Version: ProtocolVersion})

		b.wg.Add(1)
		go b.readLoop(conn)
	}
}

func (b *Bridge) readLoop(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if err := validateInbound(line); err != nil {
			b.logger.Warn("dropping malformed message", "error", err)
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			b.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		switch msg.Type {
		case "hello":
			b.handleHello(msg)
		case "event":
			b.handleEvent(msg)
		case "ack":
			b.handleAck(msg)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-b.done:
		default:
			b.logger.Warn("helper connection lost", "error", err)
		}
	}
}

func (b *Bridge) handleHello(msg inboundMessage) {
	b.mu.Lock()
	if msg.Features != nil {
		b.features = *msg.Features
	}
	b.meta = msg.Meta
	if msg.Fullscreen != nil {
		b.fullscreen = *msg.Fullscreen
	}
	if msg.Hidden != nil {
		b.hidden = *msg.Hidden
	}
	if msg.Focus != nil {
		b.focus = *msg.Focus
	}
	b.mu.Unlock()

	b.logger.Info("helper connected",
		"platform", msg.Meta.Platform,
		"fullscreen_capable", msg.Features != nil && msg.Features.Fullscreen)

	b.helloOnce.Do(func() { close(b.helloCh) })
}

func (b *Bridge) handleEvent(msg inboundMessage) {
	ev := lockdown.Event{Timestamp: time.Now()}

	switch msg.Event {
	case "keydown":
		ev.Type = lockdown.EventKeyDown
		ev.Key = msg.Key
		ev.Ctrl = msg.Ctrl
		ev.Alt = msg.Alt
		ev.Shift = msg.Shift
		ev.Meta = msg.MetaKey
	case "fullscreenchange":
		ev.Type = lockdown.EventFullscreenChange
		if msg.Fullscreen != nil {
			ev.Fullscreen = *msg.Fullscreen
		}
		b.mu.Lock()
		b.fullscreen = ev.Fullscreen
		b.mu.Unlock()
	case "visibilitychange":
		ev.Type = lockdown.EventVisibilityChange
		if msg.Hidden != nil {
			ev.Hidden = *msg.Hidden
		}
		b.mu.Lock()
		b.hidden = ev.Hidden
		b.mu.Unlock()
	case "blur":
		ev.Type = lockdown.EventBlur
		b.mu.Lock()
		b.focus = false
		b.mu.Unlock()
	case "focus":
		// The regain counterpart of blur. State-only: the controller
		// polls HasFocus, a regain is not a violation.
		b.mu.Lock()
		b.focus = true
		b.mu.Unlock()
		return
	case "contextmenu":
		ev.Type = lockdown.EventContextMenu
	case "popstate":
		ev.Type = lockdown.EventPopState
	case "beforeunload":
		ev.Type = lockdown.EventBeforeUnload
	default:
		return
	}

	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event buffer full, dropping", "event", msg.Event)
	}
}

func (b *Bridge) handleAck(msg inboundMessage) {
	b.ackMu.Lock()
	ch, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.ackMu.Unlock()

	if !ok {
		b.logger.Debug("ack for unknown command", "id", msg.ID)
		return
	}
	ch <- msg
}

// send writes a fire-and-forget command. Errors are logged, not returned:
// a vanished helper surfaces through the event stream going quiet.
func (b *Bridge) send(cmd command) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.logger.Debug("no helper for command", "op", cmd.Op)
		return
	}

	if err := b.writeLine(conn, cmd); err != nil {
		b.logger.Warn("command write failed", "op", cmd.Op, "error", err)
	}
}

// call writes a command and waits for the helper's ack.
func (b *Bridge) call(ctx context.Context, cmd command) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	cmd.ID = b.nextID.Add(1)
	ch := make(chan inboundMessage, 1)

	b.ackMu.Lock()
	b.pending[cmd.ID] = ch
	b.ackMu.Unlock()

	if err := b.writeLine(conn, cmd); err != nil {
		b.ackMu.Lock()
		delete(b.pending, cmd.ID)
		b.ackMu.Unlock()
		return fmt.Errorf("write %s: %w", cmd.Op, err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("%w: %s: %s", ErrRejected, cmd.Op, ack.Error)
		}
		return nil
	case <-ctx.Done():
		b.ackMu.Lock()
		delete(b.pending, cmd.ID)
		b.ackMu.Unlock()
		return ctx.Err()
	case <-b.done:
		return ErrNotConnected
	}
}

func (b *Bridge) writeLine(conn net.Conn, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = conn.Write(data)
	return err
}

// lockdown.Platform implementation.

// RequestFullscreen asks the helper to enter fullscreen.
func (b *Bridge) RequestFullscreen(ctx context.Context) error {
	return b.call(ctx, command{Op: OpRequestFullscreen})
}

// ExitFullscreen asks the helper to leave fullscreen.
func (b *Bridge) ExitFullscreen(ctx context.Context) error {
	return b.call(ctx, command{Op: OpExitFullscreen})
}

// IsFullscreen reports the last state the helper announced.
func (b *Bridge) IsFullscreen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fullscreen
}

// LockKeyboard engages the keyboard-lock capability on the helper.
func (b *Bridge) LockKeyboard(keys []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return b.call(ctx, command{Op: OpLockKeyboard, Keys: keys})
}

// UnlockKeyboard releases the keyboard lock.
func (b *Bridge) UnlockKeyboard() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return b.call(ctx, command{Op: OpUnlockKeyboard})
}

// Visible reports the last visibility state the helper announced.
func (b *Bridge) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.hidden
}

// HasFocus reports the last focus state the helper announced.
func (b *Bridge) HasFocus() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focus
}

// Events returns the stream of helper events. Closed by Stop.
func (b *Bridge) Events() <-chan lockdown.Event {
	return b.events
}

// guard.Navigator implementation.

// ReassertHistory pushes the guarded screen back on top of the helper's
// history stack.
func (b *Bridge) ReassertHistory() {
	b.send(command{Op: OpReassertHistory})
}

// Redirect sends the helper UI to the given entry point.
func (b *Bridge) Redirect(target string) {
	b.send(command{Op: OpRedirect, Target: target})
}
