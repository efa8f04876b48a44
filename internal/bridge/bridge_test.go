package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/lockdown"
)

// fakeHelper drives the browser end of the socket in tests.
type fakeHelper struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startBridge(t *testing.T) *Bridge {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "bridge.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	b := New(socket, logger)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

func connectHelper(t *testing.T, b *Bridge) *fakeHelper {
	t.Helper()
	conn, err := net.Dial("unix", b.socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	h := &fakeHelper{t: t, conn: conn, r: bufio.NewReader(conn)}

	// The engine greets every new connection.
	welcome := h.readCommand()
	require.Equal(t, OpWelcome, welcome.Op)
	require.Equal(t, ProtocolVersion, welcome.Version)
	return h
}

func (h *fakeHelper) readCommand() command {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := h.r.ReadBytes('\n')
	require.NoError(h.t, err)

	var cmd command
	require.NoError(h.t, json.Unmarshal(line, &cmd))
	return cmd
}

func (h *fakeHelper) sendLine(line string) {
	h.t.Helper()
	_, err := h.conn.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

func (h *fakeHelper) sendHello(fullscreen, hidden, focus bool) {
	h.sendLine(fmt.Sprintf(
		`{"type":"hello","features":{"fullscreen":true,"keyboard_lock":true,"pointer_lock":false},`+
			`"meta":{"platform":"Linux x86_64","screen_width":1920,"screen_height":1080,"timezone":"UTC","language":"en-US"},`+
			`"fullscreen":%t,"hidden":%t,"focus":%t}`, fullscreen, hidden, focus))
}

func (h *fakeHelper) ack(id uint64, ok bool, errCode string) {
	if errCode == "" {
		h.sendLine(fmt.Sprintf(`{"type":"ack","id":%d,"ok":%t}`, id, ok))
		return
	}
	h.sendLine(fmt.Sprintf(`{"type":"ack","id":%d,"ok":%t,"error":%q}`, id, ok, errCode))
}

func waitEvent(t *testing.T, b *Bridge) lockdown.Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return lockdown.Event{}
	}
}

func TestHelloDeliversCapabilities(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)
	h.sendHello(false, false, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	features, meta, err := b.WaitHello(ctx)
	require.NoError(t, err)

	assert.True(t, features.Fullscreen)
	assert.True(t, features.KeyboardLock)
	assert.False(t, features.PointerLock)
	assert.Equal(t, "Linux x86_64", meta.Platform)
	assert.Equal(t, 1920, meta.ScreenWidth)
	assert.Equal(t, "en-US", meta.Language)

	assert.False(t, b.IsFullscreen())
	assert.True(t, b.Visible())
	assert.True(t, b.HasFocus())
}

func TestKeyEventsAreForwarded(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	h.sendLine(`{"type":"event","event":"keydown","key":"F12"}`)
	ev := waitEvent(t, b)
	assert.Equal(t, lockdown.EventKeyDown, ev.Type)
	assert.Equal(t, "F12", ev.Key)

	h.sendLine(`{"type":"event","event":"keydown","key":"I","ctrl":true,"shift":true}`)
	ev = waitEvent(t, b)
	assert.True(t, ev.Ctrl)
	assert.True(t, ev.Shift)
	assert.Equal(t, "I", ev.Key)
}

func TestFullscreenStateTracksEvents(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	h.sendLine(`{"type":"event","event":"fullscreenchange","fullscreen":true}`)
	ev := waitEvent(t, b)
	assert.Equal(t, lockdown.EventFullscreenChange, ev.Type)
	assert.True(t, ev.Fullscreen)
	assert.True(t, b.IsFullscreen())

	h.sendLine(`{"type":"event","event":"fullscreenchange","fullscreen":false}`)
	ev = waitEvent(t, b)
	assert.False(t, ev.Fullscreen)
	assert.False(t, b.IsFullscreen())
}

func TestVisibilityAndBlurUpdateState(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)
	h.sendHello(true, false, true)

	h.sendLine(`{"type":"event","event":"visibilitychange","hidden":true}`)
	ev := waitEvent(t, b)
	assert.Equal(t, lockdown.EventVisibilityChange, ev.Type)
	assert.True(t, ev.Hidden)
	assert.False(t, b.Visible())

	h.sendLine(`{"type":"event","event":"blur"}`)
	ev = waitEvent(t, b)
	assert.Equal(t, lockdown.EventBlur, ev.Type)
	assert.False(t, b.HasFocus())
}

func TestFocusRegainAfterBlur(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)
	h.sendHello(true, false, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := b.WaitHello(ctx)
	require.NoError(t, err)
	require.True(t, b.HasFocus())

	h.sendLine(`{"type":"event","event":"blur"}`)
	ev := waitEvent(t, b)
	require.Equal(t, lockdown.EventBlur, ev.Type)
	require.False(t, b.HasFocus())

	// A focus regain updates state without producing a violation event.
	h.sendLine(`{"type":"event","event":"focus"}`)
	assert.Eventually(t, b.HasFocus, 5*time.Second, 10*time.Millisecond)

	select {
	case ev := <-b.Events():
		t.Fatalf("focus regain must not emit an event, got %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	h.sendLine(`not json at all`)
	h.sendLine(`{"type":"event"}`)
	h.sendLine(`{"type":"event","event":"teleport"}`)
	h.sendLine(`{"type":"event","event":"contextmenu"}`)

	ev := waitEvent(t, b)
	assert.Equal(t, lockdown.EventContextMenu, ev.Type)

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected extra event: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestFullscreenWaitsForAck(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- b.RequestFullscreen(ctx)
	}()

	cmd := h.readCommand()
	assert.Equal(t, OpRequestFullscreen, cmd.Op)
	require.NotZero(t, cmd.ID)
	h.ack(cmd.ID, true, "")

	require.NoError(t, <-errCh)
}

func TestRejectedCommandSurfacesError(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- b.RequestFullscreen(ctx)
	}()

	cmd := h.readCommand()
	h.ack(cmd.ID, false, ErrCodeDenied)

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), ErrCodeDenied)
}

func TestLockKeyboardCarriesKeys(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.LockKeyboard([]string{"Escape", "Tab"})
	}()

	cmd := h.readCommand()
	assert.Equal(t, OpLockKeyboard, cmd.Op)
	assert.Equal(t, []string{"Escape", "Tab"}, cmd.Keys)
	h.ack(cmd.ID, true, "")

	require.NoError(t, <-errCh)
}

func TestCommandWithoutHelperFails(t *testing.T) {
	b := startBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.RequestFullscreen(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRedirectIsFireAndForget(t *testing.T) {
	b := startBridge(t)
	h := connectHelper(t, b)

	b.Redirect("/locked-out")
	cmd := h.readCommand()
	assert.Equal(t, OpRedirect, cmd.Op)
	assert.Equal(t, "/locked-out", cmd.Target)
	assert.Zero(t, cmd.ID)

	b.ReassertHistory()
	cmd = h.readCommand()
	assert.Equal(t, OpReassertHistory, cmd.Op)
}

func TestNewHelperReplacesOld(t *testing.T) {
	b := startBridge(t)
	old := connectHelper(t, b)
	fresh := connectHelper(t, b)

	// The replaced connection is closed by the engine.
	old.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := old.r.ReadBytes('\n')
	assert.ErrorIs(t, err, io.EOF)

	fresh.sendLine(`{"type":"event","event":"contextmenu"}`)
	ev := waitEvent(t, b)
	assert.Equal(t, lockdown.EventContextMenu, ev.Type)
}
