package computer

import "strings"

// Key is a backend-neutral key name.
type Key string

const (
	KeyCtrl      Key = "CTRL"
	KeyAlt       Key = "ALT"
	KeyShift     Key = "SHIFT"
	KeyMeta      Key = "META"
	KeyEnter     Key = "ENTER"
	KeyBackspace Key = "BACKSPACE"
	KeyEscape    Key = "ESC"
	KeyTab       Key = "TAB"
	KeySpace     Key = "SPACE"
	KeyUp        Key = "UP"
	KeyDown      Key = "DOWN"
	KeyLeft      Key = "LEFT"
	KeyRight     Key = "RIGHT"
	KeyPageUp    Key = "PAGEUP"
	KeyPageDown  Key = "PAGEDOWN"
	KeyHome      Key = "HOME"
	KeyEnd       Key = "END"
	KeyInsert    Key = "INSERT"
	KeyDelete    Key = "DELETE"
)

var keyAliases = map[string]Key{
	"CONTROL":    KeyCtrl,
	"CMD":        KeyMeta,
	"COMMAND":    KeyMeta,
	"SUPER":      KeyMeta,
	"WIN":        KeyMeta,
	"OPTION":     KeyAlt,
	"RETURN":     KeyEnter,
	"ESCAPE":     KeyEscape,
	"ARROWUP":    KeyUp,
	"ARROWDOWN":  KeyDown,
	"ARROWLEFT":  KeyLeft,
	"ARROWRIGHT": KeyRight,
	"DEL":        KeyDelete,
	" ":          KeySpace,
}

// NormalizeKey maps the many spellings models use for a key onto Key. Single
// characters keep their case; names are upper-cased.
func NormalizeKey(name string) Key {
	if len([]rune(name)) == 1 && name != " " {
		return Key(name)
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	if k, ok := keyAliases[upper]; ok {
		return k
	}
	return Key(upper)
}

// IsModifier reports whether k is held rather than pressed.
func (k Key) IsModifier() bool {
	switch k {
	case KeyCtrl, KeyAlt, KeyShift, KeyMeta:
		return true
	}
	return false
}

// SplitChord separates modifiers from the remaining keys, preserving order.
func SplitChord(keys []string) (mods []Key, rest []Key) {
	for _, raw := range keys {
		k := NormalizeKey(raw)
		if k.IsModifier() {
			mods = append(mods, k)
			continue
		}
		rest = append(rest, k)
	}
	return mods, rest
}
