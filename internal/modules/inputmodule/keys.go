package inputmodule

import (
	"context"

	"github.com/mantonx/signage/internal/events"
)

// Input is one mapped key press.
type Input struct {
	Action events.ControlAction
	// Exit marks the platform's return key, which may also end the session.
	Exit   bool
	Source string
}

type keyMapping struct {
	action events.ControlAction
	exit   bool
}

// TV remote key codes.
var keyCodes = map[int]keyMapping{
	37:    {action: events.ActionPrev},
	39:    {action: events.ActionNext},
	13:    {action: events.ActionTogglePlay},
	10009: {action: events.ActionBack, exit: true},
	8:     {action: events.ActionBack, exit: true},
}

// Keyboard key names.
var keyNames = map[string]keyMapping{
	"ArrowRight": {action: events.ActionNext},
	"ArrowLeft":  {action: events.ActionPrev},
	"Enter":      {action: events.ActionTogglePlay},
	"Backspace":  {action: events.ActionBack},
	"Escape":     {action: events.ActionBack},
}

// MapKeyCode maps a remote key code.
func MapKeyCode(code int) (Input, bool) {
	m, ok := keyCodes[code]
	if !ok {
		return Input{}, false
	}
	return Input{Action: m.action, Exit: m.exit}, true
}

// MapKey maps a keyboard key name.
func MapKey(key string) (Input, bool) {
	m, ok := keyNames[key]
	if !ok {
		return Input{}, false
	}
	return Input{Action: m.action, Exit: m.exit}, true
}

// Dispatcher receives mapped input.
type Dispatcher interface {
	Dispatch(ctx context.Context, in Input) (bool, error)
}

// KeyCodeSource produces input from a remote key-code stream.
type KeyCodeSource struct {
	name string
	out  Dispatcher
}

func NewKeyCodeSource(name string, out Dispatcher) *KeyCodeSource {
	return &KeyCodeSource{name: name, out: out}
}

// Press maps code and dispatches it. Unmapped codes are ignored.
func (s *KeyCodeSource) Press(ctx context.Context, code int) (bool, error) {
	in, ok := MapKeyCode(code)
	if !ok {
		return false, nil
	}
	in.Source = s.name
	return s.out.Dispatch(ctx, in)
}

// KeySource produces input from a keyboard key-name stream.
type KeySource struct {
	name string
	out  Dispatcher
}

func NewKeySource(name string, out Dispatcher) *KeySource {
	return &KeySource{name: name, out: out}
}

// Press maps key and dispatches it. Unmapped keys are ignored.
func (s *KeySource) Press(ctx context.Context, key string) (bool, error) {
	in, ok := MapKey(key)
	if !ok {
		return false, nil
	}
	in.Source = s.name
	return s.out.Dispatch(ctx, in)
}
