// Package replay runs scripted attempt scenarios against the real lockdown
// engine. Scripts describe the event sequence a browser helper would have
// delivered, which makes policy changes reviewable without a browser.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"proctord/internal/capability"
)

// Actions a step may perform.
const (
	ActionEnterFullscreen = "enter_fullscreen"
	ActionExitFullscreen  = "exit_fullscreen"
	ActionHide            = "hide"
	ActionShow            = "show"
	ActionBlur            = "blur"
	ActionFocus           = "focus"
	ActionContextMenu     = "contextmenu"
	ActionPopState        = "popstate"
	ActionBeforeUnload    = "beforeunload"
	ActionStartRecording  = "start_recording"
	ActionStopRecording   = "stop_recording"
	ActionComplete        = "complete"
)

var validActions = map[string]bool{
	ActionEnterFullscreen: true,
	ActionExitFullscreen:  true,
	ActionHide:            true,
	ActionShow:            true,
	ActionBlur:            true,
	ActionFocus:           true,
	ActionContextMenu:     true,
	ActionPopState:        true,
	ActionBeforeUnload:    true,
	ActionStartRecording:  true,
	ActionStopRecording:   true,
	ActionComplete:        true,
}

// ResultStep records a question result during the scripted attempt.
type ResultStep struct {
	Question string  `yaml:"question"`
	Answered bool    `yaml:"answered"`
	Score    float64 `yaml:"score"`
}

// Step is one scripted action. Exactly one of the action fields is set.
type Step struct {
	// WaitMs pauses the script.
	WaitMs int `yaml:"wait_ms,omitempty"`

	// Key injects a keydown with the given DOM key value.
	Key   string `yaml:"key,omitempty"`
	Ctrl  bool   `yaml:"ctrl,omitempty"`
	Alt   bool   `yaml:"alt,omitempty"`
	Shift bool   `yaml:"shift,omitempty"`
	Meta  bool   `yaml:"meta,omitempty"`

	// Action performs one of the named platform or guard actions.
	Action string `yaml:"action,omitempty"`

	// Result records a question result.
	Result *ResultStep `yaml:"result,omitempty"`
}

// FeatureSet is the capability set the simulated helper announces.
type FeatureSet struct {
	Fullscreen   bool `yaml:"fullscreen"`
	KeyboardLock bool `yaml:"keyboard_lock"`
	PointerLock  bool `yaml:"pointer_lock"`
}

// Environment is the simulated environment metadata.
type Environment struct {
	Platform     string `yaml:"platform"`
	ScreenWidth  int    `yaml:"screen_width"`
	ScreenHeight int    `yaml:"screen_height"`
	Timezone     string `yaml:"timezone"`
	Language     string `yaml:"language"`
}

// Script is a complete scripted attempt.
type Script struct {
	// Identity is the candidate identity for the attempt.
	Identity string `yaml:"identity"`

	Features FeatureSet  `yaml:"features"`
	Meta     Environment `yaml:"meta,omitempty"`

	Steps []Step `yaml:"steps"`
}

// CapabilityFeatures converts to the engine's capability type.
func (s *Script) CapabilityFeatures() capability.Features {
	return capability.Features{
		Fullscreen:   s.Features.Fullscreen,
		KeyboardLock: s.Features.KeyboardLock,
		PointerLock:  s.Features.PointerLock,
	}
}

// CapabilityMetadata converts to the engine's capability type.
func (s *Script) CapabilityMetadata() capability.Metadata {
	return capability.Metadata{
		Platform:     s.Meta.Platform,
		ScreenWidth:  s.Meta.ScreenWidth,
		ScreenHeight: s.Meta.ScreenHeight,
		Timezone:     s.Meta.Timezone,
		Language:     s.Meta.Language,
	}
}

// Parse decodes and validates a YAML script.
func Parse(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and parses a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

func (s *Script) validate() error {
	if s.Identity == "" {
		return errors.New("script: identity is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("script: at least one step is required")
	}

	for i, st := range s.Steps {
		set := 0
		if st.WaitMs > 0 {
			set++
		}
		if st.Key != "" {
			set++
		}
		if st.Action != "" {
			set++
		}
		if st.Result != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("script: step %d must set exactly one of wait_ms, key, action, result", i+1)
		}
		if st.Action != "" && !validActions[st.Action] {
			return fmt.Errorf("script: step %d has unknown action %q", i+1, st.Action)
		}
		if st.Result != nil && st.Result.Question == "" {
			return fmt.Errorf("script: step %d result needs a question id", i+1)
		}
	}
	return nil
}
