// Package capability detects the platform features the lockdown engine
// depends on and snapshots descriptive device metadata once per session.
//
// Feature support (fullscreen, keyboard lock, pointer lock) is reported by
// the event bridge in its hello message: the engine never assumes a feature
// exists, it only gates on what was probed. Detection never fails; an absent
// feature simply reports false and missing metadata falls back to what the
// local environment can provide.
package capability

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Features describes the platform APIs the bridge reports as available.
type Features struct {
	Fullscreen   bool `json:"fullscreen"`
	KeyboardLock bool `json:"keyboard_lock"`
	PointerLock  bool `json:"pointer_lock"`
}

// Metadata carries descriptive device information from the bridge.
// Fields left empty are filled from the local environment.
type Metadata struct {
	Platform     string `json:"platform"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	Timezone     string `json:"timezone"`
	Language     string `json:"language"`
}

// Snapshot is the immutable result of a capability probe.
type Snapshot struct {
	Fullscreen   bool
	KeyboardLock bool
	PointerLock  bool

	Platform     string
	ScreenWidth  int
	ScreenHeight int
	Timezone     string
	Language     string

	CapturedAt time.Time
}

// Probe caches a single detection result for the session.
type Probe struct {
	once sync.Once
	snap Snapshot
}

// Detect performs capability detection. The first call captures the
// snapshot; subsequent calls return the cached result regardless of
// arguments. Detect never fails.
func (p *Probe) Detect(f Features, meta Metadata) Snapshot {
	p.once.Do(func() {
		p.snap = detect(f, meta)
	})
	return p.snap
}

// Snapshot returns the cached snapshot, or a zero snapshot if Detect has
// not run yet.
func (p *Probe) Snapshot() Snapshot {
	return p.snap
}

func detect(f Features, meta Metadata) Snapshot {
	snap := Snapshot{
		Fullscreen:   f.Fullscreen,
		KeyboardLock: f.KeyboardLock,
		PointerLock:  f.PointerLock,
		Platform:     meta.Platform,
		ScreenWidth:  meta.ScreenWidth,
		ScreenHeight: meta.ScreenHeight,
		Timezone:     meta.Timezone,
		Language:     meta.Language,
		CapturedAt:   time.Now(),
	}

	if snap.Platform == "" {
		snap.Platform = hostPlatform()
	}
	if snap.Timezone == "" {
		snap.Timezone = localTimezone()
	}
	if snap.Language == "" {
		snap.Language = localLanguage()
	}

	return snap
}

func localTimezone() string {
	zone, _ := time.Now().Zone()
	if zone == "" {
		return "UTC"
	}
	return zone
}

// localLanguage reads the locale from the environment, normalized to the
// bare language tag ("en_US.UTF-8" becomes "en_US").
func localLanguage() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if i := strings.IndexByte(v, '.'); i > 0 {
				v = v[:i]
			}
			return v
		}
	}
	return ""
}
