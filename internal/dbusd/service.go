package dbusd

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
	"github.com/grimsteel/pass-secret-service/internal/secretstore"
	"github.com/grimsteel/pass-secret-service/internal/session"
	"github.com/grimsteel/pass-secret-service/internal/workerpool"
)

// Service is the root object at /org/freedesktop/secrets, implementing
// org.freedesktop.Secret.Service and owning the object graph's shared
// state: the session registry and every exported collection/item path.
type Service struct {
	conn         *dbus.Conn
	store        *secretstore.Store
	pool         *workerpool.Pool
	forgetOnLock bool

	mu       sync.RWMutex
	sessions map[dbus.ObjectPath]*Session
	// exported tracks every path each collection is currently exported
	// at, so alias installs/removals know what to mirror.
	exported map[string]map[dbus.ObjectPath]struct{} // collection id -> set of paths it's exported at (canonical + aliases)

	svcProps  *prop.Properties
	colProps  map[dbus.ObjectPath]*prop.Properties
	itemProps map[dbus.ObjectPath]*prop.Properties

	lastAccess map[string]*AccessRecord // "collectionID/secretID" -> most recent accessor

	idleTimeout  time.Duration
	lastActivity atomic.Int64 // unix nanos of the last Service-object request handled
	idleDone     chan struct{}
}

// New wires a Service around an already-open secret store and D-Bus
// connection. It does not export anything yet; call Start for that.
func New(conn *dbus.Conn, store *secretstore.Store, forgetOnLock bool, poolSize int) *Service {
	s := &Service{
		conn:         conn,
		store:        store,
		pool:         workerpool.New(poolSize),
		forgetOnLock: forgetOnLock,
		sessions:     map[dbus.ObjectPath]*Session{},
		exported:     map[string]map[dbus.ObjectPath]struct{}{},
		colProps:     map[dbus.ObjectPath]*prop.Properties{},
		itemProps:    map[dbus.ObjectPath]*prop.Properties{},
		lastAccess:   map[string]*AccessRecord{},
		idleDone:     make(chan struct{}),
	}
	s.touch()
	return s
}

// touch records that the service just handled API activity, resetting
// the idle-timeout clock.
func (s *Service) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// WithIdleTimeout enables the optional idle-shutdown monitor: if no
// method on the Service object itself is called for d, Done() is closed
// so the daemon's main loop can exit. Calls on collection, item and
// session objects do not reset the idle clock. Disabled when d<=0,
// matching the spec's long-lived-daemon default.
func (s *Service) WithIdleTimeout(d time.Duration) *Service {
	s.idleTimeout = d
	return s
}

// Done is closed once the idle-timeout monitor decides the daemon should
// shut down. It never fires when idle timeout is disabled.
func (s *Service) Done() <-chan struct{} {
	return s.idleDone
}

// startIdleTimeoutMonitor polls the last-activity timestamp and closes
// idleDone once it has been stale for longer than idleTimeout.
func (s *Service) startIdleTimeoutMonitor() {
	ticker := time.NewTicker(s.idleTimeout / 4)
	defer ticker.Stop()
	for range ticker.C {
		last := time.Unix(0, s.lastActivity.Load())
		if time.Since(last) >= s.idleTimeout {
			log.Printf("idle for %s, shutting down", s.idleTimeout)
			close(s.idleDone)
			return
		}
	}
}

// Start exports the Service object and every collection (at its
// canonical path and every alias path) with their items, then requests
// the well-known bus name.
func (s *Service) Start(replaceExisting bool) error {
	if err := s.conn.Export(s, RootPath, IfaceService); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	if err := s.conn.Export(ServiceIntrospectable(), RootPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export service introspection: %w", err)
	}

	prompt := &Prompt{}
	if err := s.conn.Export(prompt, RootPath+"/prompt", IfacePrompt()); err != nil {
		return fmt.Errorf("export prompt: %w", err)
	}
	if err := s.conn.Export(PromptIntrospectable(), RootPath+"/prompt", "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export prompt introspection: %w", err)
	}

	ids, err := s.store.Collections()
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, id := range ids {
		if err := s.installCollection(id); err != nil {
			log.Printf("warning: failed to export collection %q: %v", id, err)
		}
	}

	if err := s.exportServiceProps(); err != nil {
		return fmt.Errorf("export service properties: %w", err)
	}

	s.conn.BusObject().AddMatchSignal("org.freedesktop.DBus", "NameOwnerChanged")
	go s.watchNameOwnerChanged()

	if s.idleTimeout > 0 {
		go s.startIdleTimeoutMonitor()
	}

	flags := dbus.NameFlagDoNotQueue
	if replaceExisting {
		flags |= dbus.NameFlagReplaceExisting
	}
	reply, err := s.conn.RequestName(ServiceName, flags)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s is already owned", ServiceName)
	}

	log.Printf("acquired well-known name %s", ServiceName)
	return nil
}

func (s *Service) exportServiceProps() error {
	s.mu.RLock()
	paths := s.allCollectionPaths()
	s.mu.RUnlock()

	propsSpec := prop.Map{
		IfaceService: {
			"Collections": {Value: paths, Writable: false, Emit: prop.EmitTrue},
		},
	}
	p, err := prop.Export(s.conn, RootPath, propsSpec)
	if err != nil {
		return err
	}
	s.svcProps = p
	return nil
}

func (s *Service) allCollectionPaths() []dbus.ObjectPath {
	var paths []dbus.ObjectPath
	for _, set := range s.exported {
		for p := range set {
			if strings.Count(string(p), "/") == strings.Count(RootPath, "/")+2 {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func (s *Service) refreshCollectionsProp() {
	if s.svcProps == nil {
		return
	}
	s.mu.RLock()
	paths := s.allCollectionPaths()
	s.mu.RUnlock()
	s.svcProps.SetMust(IfaceService, "Collections", paths)
}

// OpenSession negotiates a session transport and returns (extra-output,
// session-path). For "plain" the output is an empty byte array; for the
// DH algorithm it is the server's public value.
func (s *Service) OpenSession(algorithm string, input dbus.Variant, sender dbus.Sender) (dbus.Variant, dbus.ObjectPath, *dbus.Error) {
	s.touch()
	id := uuid.NewString()
	path := SessionPath(id)

	var transport session.Transport
	var output interface{}

	switch algorithm {
	case session.AlgPlain:
		transport = session.Plain{}
		output = []byte{}
	case session.AlgDH:
		clientPub, ok := input.Value().([]byte)
		if !ok {
			return dbus.Variant{}, NullObjectPath, dbuserr.ToDBus(dbuserr.New(dbuserr.KindEncryptionError, "expected byte array input for DH session"))
		}
		serverPub, dh, err := session.NewDH(clientPub)
		if err != nil {
			return dbus.Variant{}, NullObjectPath, dbuserr.ToDBus(err)
		}
		transport = dh
		output = serverPub
	default:
		return dbus.Variant{}, NullObjectPath, dbus.NewError("org.freedesktop.DBus.Error.NotSupported", []interface{}{"unsupported algorithm: " + algorithm})
	}

	sess := newSession(s, path, string(sender), transport)

	s.mu.Lock()
	s.sessions[path] = sess
	s.mu.Unlock()

	if err := s.conn.Export(sess, path, IfaceSession); err != nil {
		return dbus.Variant{}, NullObjectPath, dbuserr.ToDBus(fmt.Errorf("export session: %w", err))
	}
	if err := s.conn.Export(SessionIntrospectable(), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return dbus.Variant{}, NullObjectPath, dbuserr.ToDBus(fmt.Errorf("export session introspection: %w", err))
	}

	go sess.watch()

	log.Printf("session opened by %s: %s (%s)", sender, path, algorithm)
	return dbus.MakeVariant(output), path, nil
}

// CreateCollection reads the Label property, slugifies the alias, and
// delegates to the secret store's alias-aware create. A CollectionCreated
// signal only fires when a new object was actually installed.
func (s *Service) CreateCollection(properties map[string]dbus.Variant, alias string) (dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	s.touch()
	label := ""
	if v, ok := properties["org.freedesktop.Secret.Collection.Label"]; ok {
		if str, ok := v.Value().(string); ok {
			label = str
		}
	}

	slug := secretstore.Slugify(alias)

	type createResult struct {
		id      string
		created bool
	}
	res, err := workerpool.RunValue(s.pool, func() (createResult, error) {
		id, created, err := s.store.CreateCollection(label, slug)
		return createResult{id: id, created: created}, err
	})
	if err != nil {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
	}
	id, created := res.id, res.created

	path := CollectionPath(id)
	if created {
		if err := s.installCollection(id); err != nil {
			return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
		}
		s.refreshCollectionsProp()
		s.emitServiceSignal("CollectionCreated", path)
		log.Printf("collection created: %s", id)
	}
	return path, NullObjectPath, nil
}

// SearchItems searches every collection and returns (unlocked, locked);
// the daemon never keeps anything locked, so locked is always empty.
func (s *Service) SearchItems(attributes map[string]string) ([]dbus.ObjectPath, []dbus.ObjectPath, *dbus.Error) {
	s.touch()
	matches, err := workerpool.RunValue(s.pool, func() (map[string][]string, error) {
		return s.store.SearchAllCollections(attributes)
	})
	if err != nil {
		return nil, nil, dbuserr.ToDBus(err)
	}
	var unlocked []dbus.ObjectPath
	for colID, secretIDs := range matches {
		for _, sid := range secretIDs {
			unlocked = append(unlocked, SecretPath(colID, sid))
		}
	}
	return unlocked, []dbus.ObjectPath{}, nil
}

// Unlock is a no-op acknowledgement: the daemon never enforces locking.
func (s *Service) Unlock(objects []dbus.ObjectPath) ([]dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	s.touch()
	return objects, NullObjectPath, nil
}

// Lock optionally forgets the gpg-agent-cached passphrase for the
// recipients of the given objects' collections; it never actually locks
// anything, so the returned "locked" set is always empty.
func (s *Service) Lock(objects []dbus.ObjectPath, sender dbus.Sender) ([]dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	s.touch()
	log.Printf("lock requested by %s: %v", sender, objects)
	if s.forgetOnLock {
		ids := s.collectionIDsFromPaths(objects)
		if len(ids) > 0 {
			err := s.pool.Run(func() error {
				return s.store.ForgetPassphrases(ids)
			})
			if err != nil {
				return nil, NullObjectPath, dbuserr.ToDBus(err)
			}
		}
	}
	return []dbus.ObjectPath{}, NullObjectPath, nil
}

// ReadAlias resolves an alias to its collection's canonical path, or "/"
// if unknown.
func (s *Service) ReadAlias(name string) (dbus.ObjectPath, *dbus.Error) {
	s.touch()
	type aliasResult struct {
		id string
		ok bool
	}
	res, err := workerpool.RunValue(s.pool, func() (aliasResult, error) {
		id, ok, err := s.store.GetAlias(name)
		return aliasResult{id: id, ok: ok}, err
	})
	if err != nil {
		return NullObjectPath, dbuserr.ToDBus(err)
	}
	if !res.ok {
		return NullObjectPath, nil
	}
	return CollectionPath(res.id), nil
}

// SetAlias clears the alias's current mirror (if any) and, unless the
// path is "/", installs mirrors for the new target collection. It emits
// CollectionChanged for both the previous and the new target, per the
// specification's corrected behavior.
func (s *Service) SetAlias(name string, collection dbus.ObjectPath) *dbus.Error {
	s.touch()
	oldID, hadOld, err := s.store.GetAlias(name)
	if err != nil {
		return dbuserr.ToDBus(err)
	}

	if hadOld {
		if err := s.uninstallAlias(name, oldID); err != nil {
			return dbuserr.ToDBus(err)
		}
	}

	var newID string
	if collection != NullObjectPath {
		newID = collectionIDFromPath(collection)
		if newID == "" {
			return dbuserr.ToDBus(dbuserr.NotFound("unknown collection path " + string(collection)))
		}
	}

	if err := s.pool.Run(func() error { return s.store.SetAlias(name, newID) }); err != nil {
		return dbuserr.ToDBus(err)
	}

	if newID != "" {
		if err := s.installAlias(name, newID); err != nil {
			return dbuserr.ToDBus(err)
		}
	}

	if hadOld {
		s.emitServiceSignal("CollectionChanged", CollectionPath(oldID))
	}
	if newID != "" {
		s.emitServiceSignal("CollectionChanged", CollectionPath(newID))
	}
	return nil
}

// GetSecrets decrypts each requested item under the given session,
// which must be authorized for the calling client.
func (s *Service) GetSecrets(items []dbus.ObjectPath, sessionPath dbus.ObjectPath, sender dbus.Sender) (map[dbus.ObjectPath]Secret, *dbus.Error) {
	s.touch()
	sess, ok := s.lookupSession(sessionPath)
	if !ok {
		return nil, dbuserr.ToDBus(dbuserr.NoSession("unknown session " + string(sessionPath)))
	}
	if err := sess.authorize(string(sender)); err != nil {
		return nil, dbuserr.ToDBus(err)
	}

	result := map[dbus.ObjectPath]Secret{}
	for _, itemPath := range items {
		colID, secID := splitItemPath(itemPath)
		if colID == "" {
			continue
		}
		plain, err := workerpool.RunValue(s.pool, func() ([]byte, error) {
			return s.store.ReadSecret(colID, secID, false)
		})
		if err != nil {
			continue
		}
		params, value, contentType, err := sess.transport.Encrypt(plain)
		if err != nil {
			continue
		}
		result[itemPath] = Secret{Session: sessionPath, Parameters: params, Value: value, ContentType: contentType}
	}
	return result, nil
}

func (s *Service) lookupSession(path dbus.ObjectPath) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[path]
	return sess, ok
}

func (s *Service) removeSession(path dbus.ObjectPath) {
	s.mu.Lock()
	delete(s.sessions, path)
	s.mu.Unlock()
}

func collectionIDFromPath(p dbus.ObjectPath) string {
	prefix := RootPath + "/collection/"
	str := string(p)
	if !strings.HasPrefix(str, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(str, prefix)
	if strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func splitItemPath(p dbus.ObjectPath) (collectionID, secretID string) {
	prefix := RootPath + "/collection/"
	str := string(p)
	if !strings.HasPrefix(str, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(str, prefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", ""
	}
	return rest[:idx], rest[idx+1:]
}

func aliasFromPath(p dbus.ObjectPath, secret bool) (alias string, ok bool) {
	prefix := RootPath + "/aliases/"
	str := string(p)
	if !strings.HasPrefix(str, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(str, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		if !secret {
			return "", false
		}
		return rest[:idx], true
	}
	if secret {
		return "", false
	}
	return rest, true
}

// collectionIDsFromPaths resolves a mix of collection and item object
// paths — canonical or alias-mirrored — to the distinct set of
// collection ids they reference, the way Lock computes "the collection
// directories of the given items/collections".
func (s *Service) collectionIDsFromPaths(paths []dbus.ObjectPath) []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, p := range paths {
		if id := collectionIDFromPath(p); id != "" {
			add(id)
			continue
		}
		if col, _ := splitItemPath(p); col != "" {
			add(col)
			continue
		}
		if alias, ok := aliasFromPath(p, false); ok {
			if id, found, _ := s.store.GetAlias(alias); found {
				add(id)
			}
			continue
		}
		if alias, ok := aliasFromPath(p, true); ok {
			if id, found, _ := s.store.GetAlias(alias); found {
				add(id)
			}
		}
	}
	return ids
}

// emitServiceSignal emits a Service-interface signal at the root path.
func (s *Service) emitServiceSignal(name string, args ...interface{}) {
	if err := s.conn.Emit(RootPath, IfaceService+"."+name, args...); err != nil {
		log.Printf("warning: failed to emit %s: %v", name, err)
	}
}
