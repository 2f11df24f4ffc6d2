package llm

import (
	"encoding/json"
	"fmt"

	"github.com/user/cua/pkg/computer"
)

// ActionKind is the wire name of an action variant.
type ActionKind string

const (
	ActionClick       ActionKind = "click"
	ActionDoubleClick ActionKind = "double_click"
	ActionScroll      ActionKind = "scroll"
	ActionType        ActionKind = "type"
	ActionKeypress    ActionKind = "keypress"
	ActionWait        ActionKind = "wait"
	ActionMove        ActionKind = "move"
	ActionDrag        ActionKind = "drag"
	ActionScreenshot  ActionKind = "screenshot"

	// ActionUnknown is the kind of every UnknownAction. It is never
	// advertised.
	ActionUnknown ActionKind = "unknown"
)

// ActionKinds lists the action vocabulary advertised to models.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionClick, ActionDoubleClick, ActionScroll, ActionType, ActionKeypress,
		ActionWait, ActionMove, ActionDrag, ActionScreenshot,
	}
}

// Action is a closed set of operations against a computer. The unexported
// method keeps the set closed to this package.
type Action interface {
	Kind() ActionKind
	isAction()
}

type Click struct {
	X      int             `json:"x"`
	Y      int             `json:"y"`
	Button computer.Button `json:"button"`
}

type DoubleClick struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Scroll struct {
	X  int `json:"x"`
	Y  int `json:"y"`
	DX int `json:"scroll_x"`
	DY int `json:"scroll_y"`
}

type Type struct {
	Text string `json:"text"`
}

type Keypress struct {
	Keys []string `json:"keys"`
}

// Wait pauses for Ms milliseconds; zero means the backend default.
type Wait struct {
	Ms int `json:"ms,omitempty"`
}

type Move struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Drag struct {
	Path []computer.Point `json:"path"`
}

type Screenshot struct{}

// UnknownAction holds an action the vendor sent that could not be parsed into
// a known variant. Dispatching it is always an error.
type UnknownAction struct {
	Type   string          `json:"type"`
	Raw    json.RawMessage `json:"raw,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func (Click) Kind() ActionKind         { return ActionClick }
func (DoubleClick) Kind() ActionKind   { return ActionDoubleClick }
func (Scroll) Kind() ActionKind        { return ActionScroll }
func (Type) Kind() ActionKind          { return ActionType }
func (Keypress) Kind() ActionKind      { return ActionKeypress }
func (Wait) Kind() ActionKind          { return ActionWait }
func (Move) Kind() ActionKind          { return ActionMove }
func (Drag) Kind() ActionKind          { return ActionDrag }
func (Screenshot) Kind() ActionKind    { return ActionScreenshot }
func (UnknownAction) Kind() ActionKind { return ActionUnknown }

func (Click) isAction()         {}
func (DoubleClick) isAction()   {}
func (Scroll) isAction()        {}
func (Type) isAction()          {}
func (Keypress) isAction()      {}
func (Wait) isAction()          {}
func (Move) isAction()          {}
func (Drag) isAction()          {}
func (Screenshot) isAction()    {}
func (UnknownAction) isAction() {}

// ParseAction decodes the canonical action object {"type": ..., ...}. Input
// that is not a JSON object is an error; an unrecognized type or bad fields
// yield an UnknownAction so the turn can report it back to the model.
func ParseAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	unknown := func(reason string) Action {
		return UnknownAction{Type: head.Type, Raw: append(json.RawMessage(nil), raw...), Reason: reason}
	}
	decode := func(v any) error {
		return json.Unmarshal(raw, v)
	}

	switch ActionKind(head.Type) {
	case ActionClick:
		var a struct {
			X      int    `json:"x"`
			Y      int    `json:"y"`
			Button string `json:"button"`
		}
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		b, err := computer.ParseButton(a.Button)
		if err != nil {
			return unknown(err.Error()), nil
		}
		return Click{X: a.X, Y: a.Y, Button: b}, nil
	case ActionDoubleClick:
		var a DoubleClick
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		return a, nil
	case ActionScroll:
		var a Scroll
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		return a, nil
	case ActionType:
		var a Type
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		return a, nil
	case ActionKeypress:
		var a Keypress
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		if len(a.Keys) == 0 {
			return unknown("keypress without keys"), nil
		}
		return a, nil
	case ActionWait:
		var a Wait
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		return a, nil
	case ActionMove:
		var a Move
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		return a, nil
	case ActionDrag:
		var a Drag
		if err := decode(&a); err != nil {
			return unknown(err.Error()), nil
		}
		if len(a.Path) == 0 {
			return unknown("drag without path"), nil
		}
		return a, nil
	case ActionScreenshot:
		return Screenshot{}, nil
	default:
		return unknown("unrecognized action type"), nil
	}
}

// MarshalAction encodes a in the canonical {"type": ...} shape.
func MarshalAction(a Action) (json.RawMessage, error) {
	if u, ok := a.(UnknownAction); ok {
		var fields map[string]json.RawMessage
		if json.Unmarshal(u.Raw, &fields) == nil && fields != nil {
			return u.Raw, nil
		}
		typ := u.Type
		if typ == "" {
			typ = string(ActionUnknown)
		}
		return json.Marshal(map[string]string{"type": typ})
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s action: %w", a.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s action: %w", a.Kind(), err)
	}
	kind, _ := json.Marshal(string(a.Kind()))
	fields["type"] = kind
	return json.Marshal(fields)
}

// DescribeAction renders a short human-readable form, for logs and prompts.
func DescribeAction(a Action) string {
	switch v := a.(type) {
	case Click:
		return fmt.Sprintf("click(%d, %d, %s)", v.X, v.Y, v.Button)
	case DoubleClick:
		return fmt.Sprintf("double_click(%d, %d)", v.X, v.Y)
	case Scroll:
		return fmt.Sprintf("scroll(%d, %d, dx=%d, dy=%d)", v.X, v.Y, v.DX, v.DY)
	case Type:
		return fmt.Sprintf("type(%q)", v.Text)
	case Keypress:
		return fmt.Sprintf("keypress(%v)", v.Keys)
	case Wait:
		return fmt.Sprintf("wait(%dms)", v.Ms)
	case Move:
		return fmt.Sprintf("move(%d, %d)", v.X, v.Y)
	case Drag:
		return fmt.Sprintf("drag(%d points)", len(v.Path))
	case Screenshot:
		return "screenshot()"
	case UnknownAction:
		return fmt.Sprintf("unknown(%s)", v.Type)
	default:
		return fmt.Sprintf("%T", a)
	}
}
