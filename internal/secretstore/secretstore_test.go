package secretstore

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/grimsteel/pass-secret-service/internal/gpgstore"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	gpg := &gpgstore.Store{Binary: "gpg", Root: root, DirMode: 0o700, FileMode: 0o600}
	s, err := Open(gpg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Hello, World!  ", "hello_world"},
		{"___", ""},
		{"My Collection", "my_collection"},
		{"already_slug", "already_slug"},
		{"", ""},
		{"café", "caf"},
		{"a--b", "a_b"},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRandomSlugLength(t *testing.T) {
	for _, n := range []int{4, 8} {
		s := randomSlug(n)
		if len(s) != n {
			t.Errorf("randomSlug(%d) length = %d, want %d", n, len(s), n)
		}
	}
}

func TestCreateCollectionReusesExistingAlias(t *testing.T) {
	s := testStore(t)

	id1, created1, err := s.CreateCollection("Work", "work")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if !created1 {
		t.Fatal("first CreateCollection(work) should have minted a new collection")
	}

	id2, created2, err := s.CreateCollection("Work Renamed", "work")
	if err != nil {
		t.Fatalf("CreateCollection (reuse): %v", err)
	}
	if created2 {
		t.Error("CreateCollection with an existing alias should not create a new collection")
	}
	if id2 != id1 {
		t.Errorf("CreateCollection(reuse) id = %q, want %q", id2, id1)
	}

	label, err := s.GetLabel(id1)
	if err != nil {
		t.Fatalf("GetLabel: %v", err)
	}
	if label != "Work Renamed" {
		t.Errorf("GetLabel() = %q, want %q", label, "Work Renamed")
	}
}

func TestCreateCollectionWithoutAliasAlwaysCreatesNew(t *testing.T) {
	s := testStore(t)

	id1, _, err := s.CreateCollection("Notes", "")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	id2, created2, err := s.CreateCollection("Notes", "")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if !created2 {
		t.Error("CreateCollection without an alias should always create a new collection")
	}
	if id1 == id2 {
		t.Errorf("CreateCollection() minted the same id twice: %q", id1)
	}
}

// TestCreateSearchDeleteSecret exercises the create/search/delete round
// trip through a real gpg binary, the way the store's own tests gate on
// gpg's availability rather than mocking it.
func TestCreateSearchDeleteSecret(t *testing.T) {
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not available in PATH")
	}

	home := t.TempDir()
	t.Setenv("GNUPGHOME", home)
	email := "secretstore-test@example.com"
	genTestKey(t, email)

	s := testStore(t)
	id, _, err := s.CreateCollection("Test", "")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.gpg.CollectionDir(id), ".gpg-id"), []byte(email+"\n"), 0o600); err != nil {
		t.Fatalf("write .gpg-id: %v", err)
	}

	secretID, err := s.CreateSecret(id, "My Secret", []byte("hunter2"), map[string]string{"app": "demo"})
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	payload, err := s.ReadSecret(id, secretID, false)
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if string(payload) != "hunter2" {
		t.Errorf("ReadSecret() = %q, want %q", payload, "hunter2")
	}

	matches, err := s.SearchCollection(id, map[string]string{"app": "demo"})
	if err != nil {
		t.Fatalf("SearchCollection: %v", err)
	}
	if len(matches) != 1 || matches[0] != secretID {
		t.Errorf("SearchCollection() = %v, want [%s]", matches, secretID)
	}

	if matches, err := s.SearchCollection(id, map[string]string{"app": "other"}); err != nil || len(matches) != 0 {
		t.Errorf("SearchCollection(non-matching) = %v, %v, want empty", matches, err)
	}

	if err := s.DeleteSecret(id, secretID); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if ids, err := s.ListSecrets(id); err != nil || len(ids) != 0 {
		t.Errorf("ListSecrets() after delete = %v, %v, want empty", ids, err)
	}
	if _, err := s.ReadSecret(id, secretID, false); err == nil {
		t.Error("ReadSecret() after delete should fail")
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
