package gpgstore

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return &Store{
		Binary:   "gpg",
		Root:     root,
		DirMode:  0o700,
		FileMode: 0o600,
	}
}

func TestRecipientsWalksAncestors(t *testing.T) {
	s := testStore(t)
	sub := filepath.Join(s.Root, "secret-service", "col1")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	idPath := filepath.Join(s.Root, "secret-service", ".gpg-id")
	if err := os.WriteFile(idPath, []byte("alice@example.com\n\nbob@example.com\n"), 0o600); err != nil {
		t.Fatalf("write .gpg-id: %v", err)
	}

	ids, err := s.Recipients(sub)
	if err != nil {
		t.Fatalf("Recipients: %v", err)
	}
	want := []string{"alice@example.com", "bob@example.com"}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("Recipients() = %v, want %v", ids, want)
	}
}

func TestRecipientsMissingIsNotInitialized(t *testing.T) {
	s := testStore(t)
	dir := filepath.Join(s.Root, "secret-service", "col1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, err := s.Recipients(dir); err == nil {
		t.Error("Recipients() with no .gpg-id should fail")
	}
}

func TestDeleteMissingFileIsSuccess(t *testing.T) {
	s := testStore(t)
	if err := s.Delete("col1", "doesnotexist"); err != nil {
		t.Errorf("Delete() of a missing file should succeed, got %v", err)
	}
}

func TestListDirMissingIsEmptyNotError(t *testing.T) {
	s := testStore(t)
	entries, err := s.ListDir(filepath.Join(s.Root, "nope"))
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ListDir() on a missing dir = %v, want empty", entries)
	}
}

func TestFromEnvPrecedence(t *testing.T) {
	t.Setenv("PASSWORD_STORE_DIR", "")
	t.Setenv("PASSWORD_STORE_GPG_OPTS", "")
	t.Setenv("PASSWORD_STORE_UMASK", "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := FromEnv("", "")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if s.Root != filepath.Join(home, ".password-store") {
		t.Errorf("Root = %q, want %s/.password-store", s.Root, home)
	}
	if s.DirMode != 0o700 || s.FileMode != 0o600 {
		t.Errorf("default umask 0077 modes = %o/%o, want 700/600", s.DirMode, s.FileMode)
	}

	explicit := t.TempDir()
	s, err = FromEnv(explicit, "")
	if err != nil {
		t.Fatalf("FromEnv with flag: %v", err)
	}
	if s.Root != explicit {
		t.Errorf("explicit flag ignored: Root = %q, want %q", s.Root, explicit)
	}
}

// TestEncryptDecryptRoundTrip exercises the real gpg binary the way the
// teacher's pass package test does, skipping when it isn't available.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not available in PATH")
	}

	home := t.TempDir()
	t.Setenv("GNUPGHOME", home)

	email := "pass-secret-service-test@example.com"
	genTestKey(t, email)

	s := testStore(t)
	dir := filepath.Join(s.Root, "secret-service", "col1")
	if err := s.MkdirAll(dir); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gpg-id"), []byte(email+"\n"), 0o600); err != nil {
		t.Fatalf("write .gpg-id: %v", err)
	}

	if err := s.Write("col1", "sec1", []byte("hunter2")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("col1", "sec1", false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hunter2")) {
		t.Errorf("round trip = %q, want %q", got, "hunter2")
	}
}

func genTestKey(t *testing.T, email string) {
	t.Helper()
	spec := `
%no-protection
Key-Type: RSA
Key-Length: 2048
Name-Real: Test User
Name-Email: ` + email + `
Expire-Date: 0
%commit
`
	cmd := exec.Command("gpg", "--batch", "--gen-key")
	cmd.Stdin = bytes.NewBufferString(spec)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("generate test key: %v\n%s", err, stderr.String())
	}
}
