// Package gpgstore is the encrypted storage backend: a typed wrapper over
// gpg and gpg-connect-agent child processes for reading, writing, and
// deleting the .gpg files that back every secret, plus .gpg-id recipient
// discovery and passphrase-cache eviction.
package gpgstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
)

// subDir is where the daemon keeps its own tree inside the password store,
// alongside (but separate from) any secrets a plain `pass` client manages.
const subDir = "secret-service"

// Store wraps gpg command execution against a single password-store root.
type Store struct {
	Binary  string   // gpg binary, defaults to "gpg"
	Root    string   // password store root directory
	GPGOpts []string // PASSWORD_STORE_GPG_OPTS, split on whitespace
	DirMode os.FileMode
	FileMode os.FileMode
}

// FromEnv builds a Store the way pass(1) resolves its configuration:
// an explicit flag wins, then $PASSWORD_STORE_DIR, then
// $HOME/.password-store. umask is read from $PASSWORD_STORE_UMASK
// (octal, default 0077).
func FromEnv(flagDir, gpgBinary string) (*Store, error) {
	root := flagDir
	if root == "" {
		root = os.Getenv("PASSWORD_STORE_DIR")
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve password store directory: %w", err)
		}
		root = filepath.Join(home, ".password-store")
	}

	var gpgOpts []string
	if raw := os.Getenv("PASSWORD_STORE_GPG_OPTS"); raw != "" {
		gpgOpts = strings.Fields(raw)
	}

	umask := uint64(0o077)
	if raw := os.Getenv("PASSWORD_STORE_UMASK"); raw != "" {
		if v, err := strconv.ParseUint(raw, 8, 32); err == nil {
			umask = v
		}
	}

	if gpgBinary == "" {
		gpgBinary = "gpg"
	}

	return &Store{
		Binary:   gpgBinary,
		Root:     root,
		GPGOpts:  gpgOpts,
		DirMode:  os.FileMode(^umask & 0o777),
		FileMode: os.FileMode(^(umask | 0o111) & 0o777),
	}, nil
}

// BaseDir is the daemon's secret-service subtree inside the store root.
func (s *Store) BaseDir() string {
	return filepath.Join(s.Root, subDir)
}

// CollectionDir returns the on-disk directory for a collection id.
func (s *Store) CollectionDir(collectionID string) string {
	return filepath.Join(s.BaseDir(), collectionID)
}

// secretPath maps a secret id to its .gpg file, appending the suffix if
// the caller didn't already include it.
func (s *Store) secretPath(collectionID, secretID string) string {
	name := secretID
	if !strings.HasSuffix(name, ".gpg") {
		name += ".gpg"
	}
	return filepath.Join(s.CollectionDir(collectionID), name)
}

// Read decrypts a secret's payload. canPrompt=false passes
// --pinentry-mode=error so a batch of reads can't block on pinentry.
func (s *Store) Read(collectionID, secretID string, canPrompt bool) ([]byte, error) {
	path := s.secretPath(collectionID, secretID)
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, dbuserr.NotFound(fmt.Sprintf("secret %s/%s does not exist", collectionID, secretID))
	}
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIOError, "read secret file", err)
	}

	args := append([]string{}, s.GPGOpts...)
	args = append(args, "--decrypt")
	if !canPrompt {
		args = append(args, "--pinentry-mode=error")
	}
	args = append(args, "-")

	out, err := s.runWithStdin(contents, args...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write encrypts payload to the recipients discovered for the
// collection's directory and stores it at the secret's path, creating
// parent directories as needed.
func (s *Store) Write(collectionID, secretID string, payload []byte) error {
	dir := s.CollectionDir(collectionID)
	if err := s.MkdirAll(dir); err != nil {
		return err
	}

	recipients, err := s.Recipients(dir)
	if err != nil {
		return err
	}

	args := append([]string{}, s.GPGOpts...)
	args = append(args, "--encrypt", "--trust-model", "always")
	for _, r := range recipients {
		args = append(args, "--recipient", r)
	}

	ciphertext, err := s.runWithStdin(payload, args...)
	if err != nil {
		return err
	}

	path := s.secretPath(collectionID, secretID)
	if err := os.WriteFile(path, ciphertext, s.FileMode); err != nil {
		return dbuserr.Wrap(dbuserr.KindIOError, "write secret file", err)
	}
	return nil
}

// Delete removes a secret's file. A missing file is success.
func (s *Store) Delete(collectionID, secretID string) error {
	path := s.secretPath(collectionID, secretID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dbuserr.Wrap(dbuserr.KindIOError, "delete secret file", err)
	}
	return nil
}

// Recipients walks ancestors of dir up to (inclusive) the store root,
// returning the first .gpg-id file's contents as a recipient list, one id
// per non-empty trimmed line. A .gpg-id file with no ids is skipped and
// the walk continues upward.
func (s *Store) Recipients(dir string) ([]string, error) {
	root := filepath.Clean(s.Root)
	cur := filepath.Clean(dir)

	for {
		idPath := filepath.Join(cur, ".gpg-id")
		data, err := os.ReadFile(idPath)
		if err == nil {
			var ids []string
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					ids = append(ids, line)
				}
			}
			if len(ids) > 0 {
				return ids, nil
			}
		} else if !os.IsNotExist(err) {
			return nil, dbuserr.Wrap(dbuserr.KindIOError, "read .gpg-id", err)
		}

		if cur == root || cur == filepath.Dir(cur) {
			break
		}
		cur = filepath.Dir(cur)
	}

	return nil, dbuserr.New(dbuserr.KindNotInitialized, "no .gpg-id found above "+dir)
}

// MkdirAll creates dir and any missing parents using the store's
// umask-derived directory mode.
func (s *Store) MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, s.DirMode); err != nil {
		return dbuserr.Wrap(dbuserr.KindIOError, "create directory", err)
	}
	return nil
}

// RemoveAll recursively removes dir.
func (s *Store) RemoveAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return dbuserr.Wrap(dbuserr.KindIOError, "remove directory", err)
	}
	return nil
}

// ListDir lists the direct entries of dir. A missing directory is
// reported as an empty slice, not an error.
func (s *Store) ListDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIOError, "list directory", err)
	}
	return entries, nil
}

// Stat returns file metadata, translating a missing file into NoSuchObject.
func (s *Store) Stat(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, dbuserr.NotFound(path + " does not exist")
	}
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIOError, "stat", err)
	}
	return fi, nil
}

// runWithStdin executes gpg with the given args, piping stdin from input and
// returning stdout. A non-zero exit is reported as a GPG error carrying
// stderr, matching the spec's gpg error contract.
func (s *Store) runWithStdin(input []byte, args ...string) ([]byte, error) {
	cmd := exec.Command(s.Binary, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, dbuserr.New(dbuserr.KindGPGError, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ForgetPassphrases instructs gpg-agent to evict the cached passphrases
// for every encryption-capable subkey belonging to the recipients of the
// given collection directories.
func (s *Store) ForgetPassphrases(dirs []string) error {
	recipientSet := map[string]struct{}{}
	for _, dir := range dirs {
		ids, err := s.Recipients(dir)
		if err != nil {
			// Not-initialized collections simply contribute nothing to forget.
			continue
		}
		for _, id := range ids {
			recipientSet[id] = struct{}{}
		}
	}
	if len(recipientSet) == 0 {
		return nil
	}

	args := []string{"--batch", "--with-colons", "--with-keygrip", "--list-keys"}
	for id := range recipientSet {
		args = append(args, id)
	}

	cmd := exec.Command(s.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return dbuserr.New(dbuserr.KindGPGError, strings.TrimSpace(stderr.String()))
	}

	keygrips, err := parseEncryptionKeygrips(&stdout)
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindGPGError, "parse key listing", err)
	}

	for _, grip := range keygrips {
		forgetCmd := exec.Command("gpg-connect-agent", fmt.Sprintf("clear_passphrase --mode=normal %s", grip), "/bye")
		var forgetErr bytes.Buffer
		forgetCmd.Stderr = &forgetErr
		if err := forgetCmd.Run(); err != nil {
			return dbuserr.New(dbuserr.KindGPGError, strings.TrimSpace(forgetErr.String()))
		}
	}
	return nil
}

// parseEncryptionKeygrips scans gpg --with-colons --with-keygrip output
// for pub/sub records carrying the encrypt capability and returns the
// keygrip from the grp record immediately following each.
func parseEncryptionKeygrips(r io.Reader) ([]string, error) {
	var keygrips []string
	scanner := bufio.NewScanner(r)
	wantGrip := false

	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "pub", "sub":
			wantGrip = len(fields) > 11 && strings.Contains(fields[11], "e")
		case "grp":
			if wantGrip && len(fields) > 9 && fields[9] != "" {
				keygrips = append(keygrips, fields[9])
			}
			wantGrip = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keygrips, nil
}
