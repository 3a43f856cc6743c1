package dbuserr

import (
	"errors"
	"testing"
)

func TestToDBusMapsKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindNoSuchObject, "org.freedesktop.Secret.Error.NoSuchObject"},
		{KindIOError, "org.freedesktop.DBus.Error.IOError"},
		{KindIndexError, "me.grimsteel.PassSecretService.ReDBError"},
		{KindGPGError, "me.grimsteel.PassSecretService.GPGError"},
		{KindEncryptionError, "me.grimsteel.PassSecretService.EncryptionError"},
		{KindNotInitialized, "me.grimsteel.PassSecretService.PassNotInitialized"},
		{KindNoSession, "org.freedesktop.Secret.Error.NoSession"},
		{KindAccessDenied, "org.freedesktop.DBus.Error.AccessDenied"},
	}
	for _, c := range cases {
		err := New(c.kind, "boom")
		dbusErr := ToDBus(err)
		if dbusErr.Name != c.want {
			t.Errorf("ToDBus(kind=%v).Name = %q, want %q", c.kind, dbusErr.Name, c.want)
		}
	}
}

func TestToDBusNilIsNil(t *testing.T) {
	if ToDBus(nil) != nil {
		t.Error("ToDBus(nil) should be nil")
	}
}

func TestToDBusUnwrapsPlainErrors(t *testing.T) {
	err := ToDBus(errors.New("unmapped"))
	if err.Name != "org.freedesktop.zbus.Error" {
		t.Errorf("ToDBus(plain error).Name = %q, want bus-internal error name", err.Name)
	}
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIOError, "write secret", cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap() should preserve the underlying error via Unwrap")
	}
}
