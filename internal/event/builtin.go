package event

import (
	"strings"

	"github.com/cory-johannsen/gtserver/internal/protocol"
)

// Built-in event keys.
const (
	KeyAction  = "action"
	ActionQuit = "quit"
)

// RegisterBuiltins adds the events the core itself relies on.
//
// Postcondition: b holds text "action", action "quit" and the Disconnect
// game packet, or an error if any key was already taken.
func RegisterBuiltins(b *Builder) error {
	if err := b.Text(KeyAction, dispatchAction); err != nil {
		return err
	}
	if err := b.Action(ActionQuit, kick); err != nil {
		return err
	}
	return b.Packet(protocol.GamePacketDisconnect, kick)
}

// dispatchAction forwards "action|..." text into the action table keyed by
// the action field. A "name=value" field after the key, as in
// "action|text=Hello|", names no action.
func dispatchAction(ec *Context) {
	action, ok := ec.Text.Get(KeyAction)
	if !ok || action == "" || ec.Router == nil {
		return
	}
	if strings.ContainsRune(action, '=') {
		return
	}
	ec.Router.Dispatch(ec.Ctx, ClassAction, action, ec)
}

func kick(ec *Context) {
	ec.Kick()
}
