// Package secretstore composes the password-store driver and the
// attribute index into the semantic "collections and secrets" API: the
// create/search/read/write/delete operations, alias lifecycle, and
// metadata that the D-Bus object graph calls into.
package secretstore

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
	"github.com/grimsteel/pass-secret-service/internal/gpgstore"
	"github.com/grimsteel/pass-secret-service/internal/index"
)

const (
	globalDBName     = "collections.redb"
	collectionDBName = "attributes.redb"
	// DefaultAlias is the alias every fresh store is seeded with.
	DefaultAlias = "default"
	// DefaultLabel is the label given to the bootstrapped default collection.
	DefaultLabel = "Default"
	// UntitledLabel is the default label for a secret created without one.
	UntitledLabel = "Untitled Secret"
)

// slugAlphabet mirrors the source's nanoid alphabet: lowercase/uppercase
// alphanumerics plus underscore, used for the random suffixes appended to
// collection and secret ids.
const slugAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_"

// Store is the facade over the gpg-backed filesystem and the bbolt
// attribute index.
type Store struct {
	gpg    *gpgstore.Store
	global *index.Global

	mu    sync.RWMutex
	attrs map[string]*index.Collection // collection id -> open attribute db
}

// Open wires a gpgstore.Store to its attribute index, opening the global
// database and every existing collection's attribute database, then
// ensures a "default" aliased collection exists.
func Open(gpg *gpgstore.Store) (*Store, error) {
	if err := gpg.MkdirAll(gpg.BaseDir()); err != nil {
		return nil, err
	}

	global, err := index.OpenGlobal(filepath.Join(gpg.BaseDir(), globalDBName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		gpg:    gpg,
		global: global,
		attrs:  map[string]*index.Collection{},
	}

	ids, err := s.Collections()
	if err != nil {
		global.Close()
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.openCollectionDB(id); err != nil {
			global.Close()
			return nil, err
		}
	}

	if err := s.ensureDefaultCollection(); err != nil {
		global.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the global index and every open per-collection database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.attrs {
		c.Close()
	}
	return s.global.Close()
}

func (s *Store) ensureDefaultCollection() error {
	_, found, err := s.global.GetAlias(DefaultAlias)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	_, err = s.CreateCollection(DefaultLabel, DefaultAlias)
	return err
}

func (s *Store) openCollectionDB(collectionID string) (*index.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.attrs[collectionID]; ok {
		return c, nil
	}
	path := filepath.Join(s.gpg.CollectionDir(collectionID), collectionDBName)
	c, err := index.OpenCollection(path)
	if err != nil {
		return nil, err
	}
	s.attrs[collectionID] = c
	return c, nil
}

func (s *Store) collectionDB(collectionID string) (*index.Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.attrs[collectionID]
	return c, ok
}

// Slugify converts arbitrary text into the daemon's collection-id
// alphabet: lowercase ASCII alphanumerics pass through, any run of other
// characters becomes a single underscore, and leading/trailing/duplicate
// underscores are suppressed.
func Slugify(s string) string {
	var b strings.Builder
	afterSep := true
	for _, r := range s {
		switch {
		case r < 0x80 && isAlphaNumeric(byte(r)):
			b.WriteByte(toLower(byte(r)))
			afterSep = false
		case !afterSep:
			b.WriteByte('_')
			afterSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func isAlphaNumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}

func randomSlug(n int) string {
	buf := make([]byte, n)
	raw := make([]byte, n)
	rand.Read(raw)
	for i, b := range raw {
		buf[i] = slugAlphabet[int(b)%len(slugAlphabet)]
	}
	return string(buf)
}

// Collections lists every collection id currently on disk.
func (s *Store) Collections() ([]string, error) {
	entries, err := s.gpg.ListDir(s.gpg.BaseDir())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// CreateCollection implements the spec's alias-aware create: if alias
// resolves to an existing collection, no new collection is made — its
// label is updated (when given) and its id returned. Otherwise a fresh
// collection id is minted, its directory and attribute database are
// created, and the alias (if any) is attached.
func (s *Store) CreateCollection(label, alias string) (id string, created bool, err error) {
	alias = strings.TrimSpace(alias)

	if alias != "" {
		existing, found, err := s.global.GetAlias(alias)
		if err != nil {
			return "", false, err
		}
		if found {
			if label != "" {
				if err := s.global.SetLabel(existing, label); err != nil {
					return "", false, err
				}
			}
			return existing, false, nil
		}
	}

	base := Slugify(label)
	if base == "" {
		base = "collection"
	}
	id = base + "_" + randomSlug(4)

	if err := s.gpg.MkdirAll(s.gpg.CollectionDir(id)); err != nil {
		return "", false, err
	}
	if _, err := s.openCollectionDB(id); err != nil {
		return "", false, err
	}

	effectiveLabel := label
	if effectiveLabel == "" {
		effectiveLabel = id
	}
	if err := s.global.SetLabel(id, effectiveLabel); err != nil {
		return "", false, err
	}
	if alias != "" {
		if err := s.global.SetAlias(alias, id); err != nil {
			return "", false, err
		}
	}

	return id, true, nil
}

// DeleteCollection removes a collection's directory, its in-memory
// attribute database handle, and all of its label/alias metadata.
func (s *Store) DeleteCollection(collectionID string) error {
	s.mu.Lock()
	if c, ok := s.attrs[collectionID]; ok {
		c.Close()
		delete(s.attrs, collectionID)
	}
	s.mu.Unlock()

	if err := s.gpg.RemoveAll(s.gpg.CollectionDir(collectionID)); err != nil {
		return err
	}
	return s.global.DeleteCollection(collectionID)
}

// GetLabel returns a collection's label.
func (s *Store) GetLabel(collectionID string) (string, error) {
	label, found, err := s.global.GetLabel(collectionID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", dbuserr.NotFound("collection " + collectionID + " has no label")
	}
	return label, nil
}

// SetLabel sets a collection's label.
func (s *Store) SetLabel(collectionID, label string) error {
	return s.global.SetLabel(collectionID, label)
}

// GetAlias resolves an alias to a collection id; ok=false if unknown.
func (s *Store) GetAlias(alias string) (collectionID string, ok bool, err error) {
	return s.global.GetAlias(alias)
}

// SetAlias attaches or clears an alias. collectionID="" clears it.
func (s *Store) SetAlias(alias, collectionID string) error {
	return s.global.SetAlias(alias, collectionID)
}

// ListAliasesForCollection returns the aliases currently naming a
// collection.
func (s *Store) ListAliasesForCollection(collectionID string) ([]string, error) {
	return s.global.ListAliasesForCollection(collectionID)
}

// ListAllAliases returns every collection's alias set.
func (s *Store) ListAllAliases() (map[string][]string, error) {
	return s.global.ListAllAliases()
}

// ListSecrets lists the secret ids present in a collection's directory.
func (s *Store) ListSecrets(collectionID string) ([]string, error) {
	entries, err := s.gpg.ListDir(s.gpg.CollectionDir(collectionID))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".gpg") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".gpg"))
		}
	}
	return ids, nil
}

// CreateSecret writes a new encrypted payload and records its label and
// attributes, returning the freshly minted 8-character secret id.
func (s *Store) CreateSecret(collectionID, label string, payload []byte, attrs map[string]string) (string, error) {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return "", dbuserr.NotFound("collection " + collectionID + " does not exist")
	}

	if label == "" {
		label = UntitledLabel
	}
	id := randomSlug(8)

	if err := s.gpg.Write(collectionID, id, payload); err != nil {
		return "", err
	}

	stored := map[string]string{}
	for k, v := range attrs {
		stored[k] = v
	}
	stored["_label"] = label
	if err := db.SetAttrs(id, stored); err != nil {
		return "", err
	}
	return id, nil
}

// SetSecret overwrites a secret's encrypted payload.
func (s *Store) SetSecret(collectionID, secretID string, payload []byte) error {
	return s.gpg.Write(collectionID, secretID, payload)
}

// ReadSecret decrypts a secret's payload.
func (s *Store) ReadSecret(collectionID, secretID string, canPrompt bool) ([]byte, error) {
	return s.gpg.Read(collectionID, secretID, canPrompt)
}

// DeleteSecret deletes a secret's file and its attribute-index entries.
func (s *Store) DeleteSecret(collectionID, secretID string) error {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return dbuserr.NotFound("collection " + collectionID + " does not exist")
	}
	if err := s.gpg.Delete(collectionID, secretID); err != nil {
		return err
	}
	return db.DeleteSecret(secretID)
}

// ReadSecretAttrs returns a secret's application-visible attributes
// (the internal label key is stripped out).
func (s *Store) ReadSecretAttrs(collectionID, secretID string) (map[string]string, error) {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return nil, dbuserr.NotFound("collection " + collectionID + " does not exist")
	}
	attrs, found, err := db.ReadAttrs(secretID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dbuserr.NotFound("secret " + secretID + " does not exist")
	}
	result := map[string]string{}
	for k, v := range attrs {
		if k != "_label" {
			result[k] = v
		}
	}
	return result, nil
}

// SetSecretAttrs replaces a secret's application-visible attributes,
// preserving its stored label.
func (s *Store) SetSecretAttrs(collectionID, secretID string, attrs map[string]string) error {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return dbuserr.NotFound("collection " + collectionID + " does not exist")
	}
	existing, _, err := db.ReadAttrs(secretID)
	if err != nil {
		return err
	}
	label := existing["_label"]
	if label == "" {
		label = UntitledLabel
	}
	stored := map[string]string{}
	for k, v := range attrs {
		stored[k] = v
	}
	stored["_label"] = label
	return db.SetAttrs(secretID, stored)
}

// GetSecretLabel returns a secret's label.
func (s *Store) GetSecretLabel(collectionID, secretID string) (string, error) {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return "", dbuserr.NotFound("collection " + collectionID + " does not exist")
	}
	attrs, found, err := db.ReadAttrs(secretID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", dbuserr.NotFound("secret " + secretID + " does not exist")
	}
	if label, ok := attrs["_label"]; ok {
		return label, nil
	}
	return UntitledLabel, nil
}

// SetSecretLabel sets a secret's label, preserving its other attributes.
func (s *Store) SetSecretLabel(collectionID, secretID, label string) error {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return dbuserr.NotFound("collection " + collectionID + " does not exist")
	}
	existing, _, err := db.ReadAttrs(secretID)
	if err != nil {
		return err
	}
	stored := map[string]string{}
	for k, v := range existing {
		stored[k] = v
	}
	stored["_label"] = label
	return db.SetAttrs(secretID, stored)
}

// SearchCollection returns the secret ids in a collection whose
// attributes are a superset of query. An empty query returns empty.
func (s *Store) SearchCollection(collectionID string, query map[string]string) ([]string, error) {
	db, ok := s.collectionDB(collectionID)
	if !ok {
		return nil, nil
	}
	return db.Search(query)
}

// SearchAllCollections runs SearchCollection over every known
// collection, returning only those with at least one match.
func (s *Store) SearchAllCollections(query map[string]string) (map[string][]string, error) {
	ids, err := s.Collections()
	if err != nil {
		return nil, err
	}
	result := map[string][]string{}
	for _, id := range ids {
		matches, err := s.SearchCollection(id, query)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			result[id] = matches
		}
	}
	return result, nil
}

// epochSeconds converts a time to seconds-since-epoch, clamped to 0 for
// pre-epoch or unrepresentable values.
func epochSeconds(t interface{ Unix() int64 }) int64 {
	v := t.Unix()
	if v < 0 {
		return 0
	}
	return v
}

// birthSeconds reports a file's creation ("birth") time, clamped to 0.
// Go's os.FileInfo exposes no portable birth-time accessor, and Linux's
// stat(2) doesn't report one either, so this always reports unsupported
// — independent of modification time — matching the daemon this was
// ported from, which falls back to 0 whenever the platform or
// filesystem can't supply a creation time.
func birthSeconds(fi os.FileInfo) int64 {
	return 0
}

// StatCollection returns the creation/modification times of a
// collection's attribute database file.
func (s *Store) StatCollection(collectionID string) (created, modified int64, err error) {
	path := filepath.Join(s.gpg.CollectionDir(collectionID), collectionDBName)
	fi, err := s.gpg.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return birthSeconds(fi), epochSeconds(fi.ModTime()), nil
}

// StatSecret returns the creation/modification times of a secret's
// encrypted file.
func (s *Store) StatSecret(collectionID, secretID string) (created, modified int64, err error) {
	name := secretID
	if !strings.HasSuffix(name, ".gpg") {
		name += ".gpg"
	}
	path := filepath.Join(s.gpg.CollectionDir(collectionID), name)
	fi, err := s.gpg.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return birthSeconds(fi), epochSeconds(fi.ModTime()), nil
}

// ForgetPassphrases asks the GPG store driver to evict the cached
// passphrases for the recipients of the given collections.
func (s *Store) ForgetPassphrases(collectionIDs []string) error {
	dirs := make([]string, 0, len(collectionIDs))
	for _, id := range collectionIDs {
		dirs = append(dirs, s.gpg.CollectionDir(id))
	}
	return s.gpg.ForgetPassphrases(dirs)
}

// EnsureCollectionDir creates a collection's on-disk directory, and any
// missing parents, if it does not exist yet.
func (s *Store) EnsureCollectionDir(collectionID string) error {
	return s.gpg.MkdirAll(s.gpg.CollectionDir(collectionID))
}
