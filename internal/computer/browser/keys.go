package browser

import (
	"strings"
	"unicode"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/user/cua/pkg/computer"
)

const (
	keyDown    = input.KeyType("keyDown")
	keyUp      = input.KeyType("keyUp")
	rawKeyDown = input.KeyType("rawKeyDown")
)

// keyDef is the DOM description of a key.
type keyDef struct {
	key  string
	code string
	vk   int64
	text string
}

var namedKeys = map[computer.Key]keyDef{
	computer.KeyEnter:     {"Enter", "Enter", 13, "\r"},
	computer.KeyBackspace: {"Backspace", "Backspace", 8, ""},
	computer.KeyEscape:    {"Escape", "Escape", 27, ""},
	computer.KeyTab:       {"Tab", "Tab", 9, ""},
	computer.KeySpace:     {" ", "Space", 32, " "},
	computer.KeyUp:        {"ArrowUp", "ArrowUp", 38, ""},
	computer.KeyDown:      {"ArrowDown", "ArrowDown", 40, ""},
	computer.KeyLeft:      {"ArrowLeft", "ArrowLeft", 37, ""},
	computer.KeyRight:     {"ArrowRight", "ArrowRight", 39, ""},
	computer.KeyPageUp:    {"PageUp", "PageUp", 33, ""},
	computer.KeyPageDown:  {"PageDown", "PageDown", 34, ""},
	computer.KeyHome:      {"Home", "Home", 36, ""},
	computer.KeyEnd:       {"End", "End", 35, ""},
	computer.KeyInsert:    {"Insert", "Insert", 45, ""},
	computer.KeyDelete:    {"Delete", "Delete", 46, ""},
	computer.KeyCtrl:      {"Control", "ControlLeft", 17, ""},
	computer.KeyAlt:       {"Alt", "AltLeft", 18, ""},
	computer.KeyShift:     {"Shift", "ShiftLeft", 16, ""},
	computer.KeyMeta:      {"Meta", "MetaLeft", 91, ""},
}

// modifier bits of Input.dispatchKeyEvent.
var modifierBits = map[computer.Key]int64{
	computer.KeyAlt:   1,
	computer.KeyCtrl:  2,
	computer.KeyMeta:  4,
	computer.KeyShift: 8,
}

// lookupKey resolves a normalized key. Unknown multi-character names are
// sent with the name as the DOM key and no virtual key code.
func lookupKey(k computer.Key) keyDef {
	if def, ok := namedKeys[k]; ok {
		return def
	}
	name := string(k)
	if len(name) >= 2 && name[0] == 'F' {
		n := 0
		for _, r := range name[1:] {
			if r < '0' || r > '9' {
				n = -1
				break
			}
			n = n*10 + int(r-'0')
		}
		if n >= 1 && n <= 24 {
			return keyDef{key: name, code: name, vk: int64(111 + n)}
		}
	}

	runes := []rune(name)
	if len(runes) != 1 {
		return keyDef{key: name, code: name}
	}
	r := runes[0]
	def := keyDef{key: name, text: name}
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		up := unicode.ToUpper(r)
		def.code = "Key" + string(up)
		def.vk = int64(up)
	case r >= '0' && r <= '9':
		def.code = "Digit" + name
		def.vk = int64(r)
	}
	return def
}

// keyActions presses mods, taps every key in rest with mods held, then
// releases mods in reverse order. Text is suppressed while a non-shift
// modifier is held so shortcuts do not type.
func keyActions(mods []computer.Key, rest []computer.Key) []chromedp.Action {
	var mask int64
	shortcut := false
	var actions []chromedp.Action
	for _, m := range mods {
		mask |= modifierBits[m]
		if m != computer.KeyShift {
			shortcut = true
		}
		def := namedKeys[m]
		actions = append(actions, keyEvent(rawKeyDown, def, mask, false))
	}
	for _, k := range rest {
		def := lookupKey(k)
		if mask&modifierBits[computer.KeyShift] != 0 && def.text != "" && len([]rune(def.text)) == 1 {
			def.text = strings.ToUpper(def.text)
			def.key = def.text
		}
		typ := keyDown
		if shortcut || def.text == "" {
			typ = rawKeyDown
		}
		actions = append(actions,
			keyEvent(typ, def, mask, !shortcut),
			keyEvent(keyUp, def, mask, false),
		)
	}
	for i := len(mods) - 1; i >= 0; i-- {
		mask &^= modifierBits[mods[i]]
		actions = append(actions, keyEvent(keyUp, namedKeys[mods[i]], mask, false))
	}
	return actions
}

func keyEvent(typ input.KeyType, def keyDef, mask int64, withText bool) chromedp.Action {
	p := input.DispatchKeyEvent(typ).
		WithKey(def.key).
		WithCode(def.code).
		WithModifiers(input.Modifier(mask))
	if def.vk != 0 {
		p = p.WithWindowsVirtualKeyCode(def.vk).WithNativeVirtualKeyCode(def.vk)
	}
	if withText && def.text != "" {
		p = p.WithText(def.text).WithUnmodifiedText(def.text)
	}
	return p
}
