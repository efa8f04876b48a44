package lockdown

import (
	"strings"

	"proctord/internal/violation"
)

// Shortcut families, recorded in violation details for audit.
const (
	familyDevTools  = "dev_tools"
	familyNav       = "navigation"
	familyOS        = "os"
	familyClipboard = "clipboard"
)

// classifyKey maps an intercepted keydown to a violation kind. Keys outside
// the blocked set return ok=false. Escape is handled separately by the
// controller (it feeds the escape-exit window) and is not classified here.
func classifyKey(ev Event, strictClipboard bool) (kind violation.Kind, details map[string]any, ok bool) {
	key := strings.ToLower(ev.Key)

	shortcut := func(family string) (violation.Kind, map[string]any, bool) {
		return violation.KindBlockedShortcut, map[string]any{
			"key":    ev.Key,
			"ctrl":   ev.Ctrl,
			"alt":    ev.Alt,
			"shift":  ev.Shift,
			"meta":   ev.Meta,
			"family": family,
		}, true
	}

	switch {
	// Developer tools.
	case key == "f12":
		return shortcut(familyDevTools)
	case ev.Ctrl && ev.Shift && (key == "i" || key == "j" || key == "c"):
		return shortcut(familyDevTools)
	case ev.Ctrl && !ev.Shift && key == "u":
		return shortcut(familyDevTools)

	// Refresh and tab/window management.
	case key == "f5":
		return shortcut(familyNav)
	case ev.Ctrl && (key == "r" || key == "w" || key == "t" || key == "n" || key == "l"):
		return shortcut(familyNav)

	// OS-level switching.
	case ev.Alt && (key == "tab" || key == "escape"):
		return shortcut(familyOS)
	case ev.Meta && (key == "d" || key == "m"):
		return shortcut(familyOS)

	// Screenshot key. Critical on first occurrence.
	case key == "printscreen":
		return violation.KindScreenshot, map[string]any{"key": ev.Key}, true

	// Clipboard, print, save. Only blocked in strict mode.
	case strictClipboard && ev.Ctrl &&
		(key == "c" || key == "v" || key == "x" || key == "a" || key == "p" || key == "s"):
		return shortcut(familyClipboard)
	}

	return "", nil, false
}
