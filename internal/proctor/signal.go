package proctor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"proctorhub/pkg/types"
)

// SignalKind is a raw behavioral observation from the candidate's client.
type SignalKind string

const (
	SignalVisibilityHidden SignalKind = "visibility-hidden"
	SignalPointerLeft      SignalKind = "pointer-left"
	SignalKeyCombo         SignalKind = "key-combo"
	SignalFullscreenExited SignalKind = "fullscreen-exited"
	SignalContextMenu      SignalKind = "context-menu"
	SignalFaceCount        SignalKind = "face-count"
)

// Signal is one observation. Combo is set for key combos, Faces for face counts.
type Signal struct {
	Kind  SignalKind
	Combo string
	Faces int
}

var defaultDisallowedCombos = []string{
	"ctrl+c", "ctrl+v", "ctrl+x", "ctrl+a", "ctrl+p", "ctrl+s", "ctrl+u",
	"ctrl+t", "ctrl+w", "ctrl+n", "ctrl+tab", "ctrl+shift+i", "ctrl+shift+j",
	"alt+tab", "meta+tab", "f12", "printscreen",
}

var modifierOrder = map[string]int{"ctrl": 0, "alt": 1, "shift": 2, "meta": 3}

var modifierAliases = map[string]string{
	"control": "ctrl", "cmd": "meta", "command": "meta", "win": "meta", "option": "alt",
}

// NormalizeCombo lower-cases a combo and orders its modifiers ctrl, alt,
// shift, meta so "Shift+Ctrl+I" and "ctrl+shift+i" compare equal.
func NormalizeCombo(combo string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	var mods, keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if alias, ok := modifierAliases[p]; ok {
			p = alias
		}
		if _, ok := modifierOrder[p]; ok {
			mods = append(mods, p)
		} else {
			keys = append(keys, p)
		}
	}
	sort.Slice(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })
	return strings.Join(append(mods, keys...), "+")
}

// classify turns a signal into a violation type. ok is false for signals
// that are observed but not violations, such as an allowed key combo.
func (sc *SessionContext) classify(sig Signal) (vt types.ViolationType, details string, ok bool, err error) {
	switch sig.Kind {
	case SignalVisibilityHidden:
		return types.ViolationTabSwitch, "document hidden", true, nil
	case SignalPointerLeft:
		return types.ViolationMouseLeave, "pointer left viewport", true, nil
	case SignalFullscreenExited:
		return types.ViolationFullscreenExit, "fullscreen exited", true, nil
	case SignalContextMenu:
		return types.ViolationRightClick, "context menu", true, nil
	case SignalKeyCombo:
		combo := NormalizeCombo(sig.Combo)
		if _, blocked := sc.combos[combo]; !blocked {
			return "", "", false, nil
		}
		return types.ViolationKeyboardShortcut, combo, true, nil
	case SignalFaceCount:
		// The count is an untrusted heuristic; only more than one face counts.
		if sig.Faces < 0 {
			return "", "", false, nil
		}
		sc.faces = sig.Faces
		if sig.Faces <= 1 {
			return "", "", false, nil
		}
		return types.ViolationMultiFace, fmt.Sprintf("%d faces", sig.Faces), true, nil
	}
	return "", "", false, fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Kind)
}

// ParseSignal reads the line format used by the headless candidate agent:
// "tab", "mouse", "fullscreen", "rightclick", "key <combo>", "faces <n>".
func ParseSignal(line string) (Signal, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Signal{}, fmt.Errorf("%w: empty", ErrUnknownSignal)
	}
	switch fields[0] {
	case "tab", "hidden":
		return Signal{Kind: SignalVisibilityHidden}, nil
	case "mouse", "leave":
		return Signal{Kind: SignalPointerLeft}, nil
	case "fullscreen":
		return Signal{Kind: SignalFullscreenExited}, nil
	case "rightclick", "menu":
		return Signal{Kind: SignalContextMenu}, nil
	case "key":
		if len(fields) < 2 {
			return Signal{}, fmt.Errorf("%w: key needs a combo", ErrUnknownSignal)
		}
		return Signal{Kind: SignalKeyCombo, Combo: fields[1]}, nil
	case "faces":
		if len(fields) < 2 {
			return Signal{}, fmt.Errorf("%w: faces needs a count", ErrUnknownSignal)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return Signal{}, fmt.Errorf("%w: faces %q", ErrUnknownSignal, fields[1])
		}
		return Signal{Kind: SignalFaceCount, Faces: n}, nil
	}
	return Signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, fields[0])
}
