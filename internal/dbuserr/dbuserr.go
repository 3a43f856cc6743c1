// Package dbuserr maps the daemon's internal error kinds onto the D-Bus
// error names a Secret Service client expects to see on the wire.
package dbuserr

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind identifies which bus error name an error should be reported as.
type Kind int

const (
	// KindNoSuchObject marks a lookup against a path or id that does not exist.
	KindNoSuchObject Kind = iota
	// KindIOError marks any filesystem error other than not-found.
	KindIOError
	// KindBusError marks an error originating from the bus library itself.
	KindBusError
	// KindIndexError marks a failure inside the attribute index store.
	KindIndexError
	// KindGPGError marks a non-zero exit from a gpg child process.
	KindGPGError
	// KindEncryptionError marks a session encrypt/decrypt failure.
	KindEncryptionError
	// KindNotInitialized marks a password store missing a .gpg-id file.
	KindNotInitialized
	// KindNoSession marks a reference to a session path that doesn't exist.
	KindNoSession
	// KindAccessDenied marks a caller failing a session ownership check.
	KindAccessDenied
)

var busNames = map[Kind]string{
	KindNoSuchObject:    "org.freedesktop.Secret.Error.NoSuchObject",
	KindIOError:         "org.freedesktop.DBus.Error.IOError",
	KindBusError:        "org.freedesktop.zbus.Error",
	KindIndexError:      "me.grimsteel.PassSecretService.ReDBError",
	KindGPGError:        "me.grimsteel.PassSecretService.GPGError",
	KindEncryptionError: "me.grimsteel.PassSecretService.EncryptionError",
	KindNotInitialized:  "me.grimsteel.PassSecretService.PassNotInitialized",
	KindNoSession:       "org.freedesktop.Secret.Error.NoSession",
	KindAccessDenied:    "org.freedesktop.DBus.Error.AccessDenied",
}

// Error is a daemon error tagged with the bus name it should surface as.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound is a convenience constructor for KindNoSuchObject.
func NotFound(msg string) *Error {
	return New(KindNoSuchObject, msg)
}

// AccessDenied is a convenience constructor for KindAccessDenied.
func AccessDenied(msg string) *Error {
	return New(KindAccessDenied, msg)
}

// NoSession is a convenience constructor for KindNoSession.
func NoSession(msg string) *Error {
	return New(KindNoSession, msg)
}

// ToDBus converts any error into a *dbus.Error suitable for returning from
// an exported method. Errors that are not *Error are reported as the
// generic bus-internal error name.
func ToDBus(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		name, ok := busNames[e.Kind]
		if !ok {
			name = busNames[KindBusError]
		}
		return dbus.NewError(name, []interface{}{e.Error()})
	}
	return dbus.NewError(busNames[KindBusError], []interface{}{err.Error()})
}
