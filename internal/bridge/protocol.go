// Package bridge exposes the browser helper to the engine over a local Unix
// socket. The helper is a thin event forwarder: it intercepts DOM events,
// suppresses their default actions, and ships them here as newline-delimited
// JSON. All policy lives on the engine side.
//
// The bridge implements lockdown.Platform for the controller and
// guard.Navigator for the session guard.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"proctord/internal/capability"
)

// ProtocolVersion is the wire protocol version announced to the helper.
const ProtocolVersion = 1

//go:embed schema.json
var inboundSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inbound.schema.json", bytes.NewReader(inboundSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("inbound.schema.json")
	})
	return compiledSchema, schemaErr
}

// validateInbound checks a raw message line against the inbound schema.
func validateInbound(line []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(line, &instance); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// inboundMessage is the union of all messages the helper sends.
type inboundMessage struct {
	Type string `json:"type"`

	// hello fields.
	Features *capability.Features `json:"features,omitempty"`
	Meta     capability.Metadata  `json:"meta,omitempty"`
	Focus    *bool                `json:"focus,omitempty"`

	// event fields.
	Event   string `json:"event,omitempty"`
	Key     string `json:"key,omitempty"`
	Ctrl    bool   `json:"ctrl,omitempty"`
	Alt     bool   `json:"alt,omitempty"`
	Shift   bool   `json:"shift,omitempty"`
	MetaKey bool   `json:"meta_key,omitempty"`

	// Shared by hello, fullscreenchange, and visibilitychange.
	Fullscreen *bool `json:"fullscreen,omitempty"`
	Hidden     *bool `json:"hidden,omitempty"`

	// ack fields.
	ID    uint64 `json:"id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// command is a message sent to the helper. ID zero means fire-and-forget:
// the helper must not ack it.
type command struct {
	Op      string   `json:"op"`
	ID      uint64   `json:"id,omitempty"`
	Version int      `json:"version,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Target  string   `json:"target,omitempty"`
}

// Command operations understood by the helper.
const (
	OpWelcome           = "welcome"
	OpRequestFullscreen = "request_fullscreen"
	OpExitFullscreen    = "exit_fullscreen"
	OpLockKeyboard      = "lock_keyboard"
	OpUnlockKeyboard    = "unlock_keyboard"
	OpReassertHistory   = "reassert_history"
	OpRedirect          = "redirect"
)

// Helper error codes carried in negative acks.
const (
	ErrCodeUnsupported = "unsupported"
	ErrCodeDenied      = "denied"
)
