package dbusd

import "github.com/godbus/dbus/v5"

// IfacePrompt is the interface name of the permanent stub Prompt object.
// This daemon never needs user interaction to complete an operation, so
// Prompt and Dismiss return immediately without error; no Completed
// signal is emitted.
func IfacePrompt() string {
	return "org.freedesktop.Secret.Prompt"
}

// Prompt is exported once, permanently, at /org/freedesktop/secrets/prompt.
// No operation in this daemon ever returns its path to a caller, but the
// object exists so a client that calls Prompt or Dismiss on it regardless
// gets a well-formed, immediate response.
type Prompt struct{}

func (p *Prompt) Prompt(windowID string) *dbus.Error {
	return nil
}

func (p *Prompt) Dismiss() *dbus.Error {
	return nil
}
