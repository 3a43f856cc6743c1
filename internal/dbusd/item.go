package dbusd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
	"github.com/grimsteel/pass-secret-service/internal/workerpool"
)

func nowUnix() int64 { return time.Now().Unix() }

// Secret is the (session, parameters, value, content-type) tuple the
// Secret Service wire protocol moves a payload in, matching the
// "(oayays)" D-Bus struct signature.
type Secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// Item is a cheap, cloneable handle to a secret, exported at its
// canonical path and at every alias path mirroring its collection.
type Item struct {
	svc          *Service
	collectionID string
	secretID     string
}

// AccessRecord is the in-memory, not-persisted record of the most
// recent client to read or write a secret's payload, used to answer
// the LastAccess collaborator method.
type AccessRecord struct {
	BusName     string
	UID         uint32
	PID         uint32
	ProcessName string
	UnixTime    int64
}

func accessKey(collectionID, secretID string) string {
	return collectionID + "/" + secretID
}

func (s *Service) recordAccess(collectionID, secretID, sender string, now int64) {
	record := &AccessRecord{BusName: sender, UnixTime: now}

	var uid uint32
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid); err == nil {
		record.UID = uid
	}
	var pid uint32
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid); err == nil {
		record.PID = pid
		record.ProcessName = processName(pid)
	}

	s.mu.Lock()
	s.lastAccess[accessKey(collectionID, secretID)] = record
	s.mu.Unlock()

	log.Printf("secret access: %s/%s by %s (uid=%d pid=%d)", collectionID, secretID, sender, record.UID, record.PID)
}

// processName reads the comm file for a pid; Linux-specific, matching
// the environment this daemon targets (a D-Bus session bus).
func processName(pid uint32) string {
	data, err := os.ReadFile(filepath.Join("/proc", fmt.Sprint(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// exportItemAt exports the Item interface, the LastAccess collaborator
// interface, its properties, and introspection at the given path.
func (s *Service) exportItemAt(path dbus.ObjectPath, collectionID, secretID string) error {
	item := &Item{svc: s, collectionID: collectionID, secretID: secretID}
	if err := s.conn.Export(item, path, IfaceItem); err != nil {
		return fmt.Errorf("export item %s: %w", path, err)
	}
	if err := s.conn.Export(item, path, IfaceLastAccess); err != nil {
		return fmt.Errorf("export item last-access %s: %w", path, err)
	}
	if err := s.conn.Export(ItemIntrospectable(), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export item introspection %s: %w", path, err)
	}
	return s.exportItemProps(path, collectionID, secretID)
}

func (s *Service) exportItemProps(path dbus.ObjectPath, collectionID, secretID string) error {
	label, err := s.store.GetSecretLabel(collectionID, secretID)
	if err != nil {
		label = ""
	}
	attrs, err := s.store.ReadSecretAttrs(collectionID, secretID)
	if err != nil {
		attrs = map[string]string{}
	}
	created, modified, err := s.store.StatSecret(collectionID, secretID)
	if err != nil {
		created, modified = 0, 0
	}

	propsSpec := prop.Map{
		IfaceItem: {
			"Locked":     {Value: false, Writable: false, Emit: prop.EmitTrue},
			"Attributes": {Value: attrs, Writable: true, Emit: prop.EmitTrue, Callback: s.onItemAttrsSet(collectionID, secretID)},
			"Label":      {Value: label, Writable: true, Emit: prop.EmitTrue, Callback: s.onItemLabelSet(collectionID, secretID)},
			"Created":    {Value: uint64(created), Writable: false, Emit: prop.EmitFalse},
			"Modified":   {Value: uint64(modified), Writable: false, Emit: prop.EmitTrue},
		},
	}
	p, err := prop.Export(s.conn, path, propsSpec)
	if err != nil {
		return fmt.Errorf("export item properties %s: %w", path, err)
	}
	s.mu.Lock()
	s.itemProps[path] = p
	s.mu.Unlock()
	return nil
}

// itemPathsFor returns every path (canonical and every currently
// mirroring alias) a secret is exported at, derived from its
// collection's own mirror set.
func (s *Service) itemPathsFor(collectionID, secretID string) []dbus.ObjectPath {
	colPaths := s.collectionPathsFor(collectionID)
	paths := make([]dbus.ObjectPath, 0, len(colPaths))
	for _, colPath := range colPaths {
		paths = append(paths, colPath+dbus.ObjectPath("/"+secretID))
	}
	return paths
}

func (s *Service) onItemLabelSet(collectionID, secretID string) func(*prop.Change) *dbus.Error {
	return func(c *prop.Change) *dbus.Error {
		label, _ := c.Value.(string)
		if err := s.pool.Run(func() error { return s.store.SetSecretLabel(collectionID, secretID, label) }); err != nil {
			return dbuserr.ToDBus(err)
		}
		for _, p := range s.itemPathsFor(collectionID, secretID) {
			s.mu.RLock()
			ip, ok := s.itemProps[p]
			s.mu.RUnlock()
			// c.Props is updated by its own Set once this callback returns.
			if ok && ip != c.Props {
				ip.SetMust(IfaceItem, "Label", label)
			}
		}
		s.emitItemSignal(collectionID, secretID, "ItemChanged")
		return nil
	}
}

func (s *Service) onItemAttrsSet(collectionID, secretID string) func(*prop.Change) *dbus.Error {
	return func(c *prop.Change) *dbus.Error {
		attrs, _ := c.Value.(map[string]string)
		if err := s.pool.Run(func() error { return s.store.SetSecretAttrs(collectionID, secretID, attrs) }); err != nil {
			return dbuserr.ToDBus(err)
		}
		for _, p := range s.itemPathsFor(collectionID, secretID) {
			s.mu.RLock()
			ip, ok := s.itemProps[p]
			s.mu.RUnlock()
			// c.Props is updated by its own Set once this callback returns.
			if ok && ip != c.Props {
				ip.SetMust(IfaceItem, "Attributes", attrs)
			}
		}
		s.emitItemSignal(collectionID, secretID, "ItemChanged")
		return nil
	}
}

// unexportItem removes an item from a single path.
func (s *Service) unexportItem(path dbus.ObjectPath) {
	_ = s.conn.Export(nil, path, IfaceItem)
	_ = s.conn.Export(nil, path, IfaceLastAccess)
	_ = s.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
	_ = s.conn.Export(nil, path, IfaceProperties)
	s.mu.Lock()
	delete(s.itemProps, path)
	s.mu.Unlock()
}

// emitItemSignal emits the named Collection-interface signal on every
// alias path mirroring the item, then its canonical path, then a
// service-level CollectionChanged — the order the specification
// requires so a signal is never observed before its mutation.
func (s *Service) emitItemSignal(collectionID, secretID, name string) {
	aliases, err := s.store.ListAliasesForCollection(collectionID)
	if err == nil {
		for _, alias := range aliases {
			itemPath := AliasSecretPath(alias, secretID)
			if err := s.conn.Emit(AliasCollectionPath(alias), IfaceCollection+"."+name, itemPath); err != nil {
				log.Printf("warning: failed to emit %s on alias %s: %v", name, alias, err)
			}
		}
	}

	canonicalItem := SecretPath(collectionID, secretID)
	if err := s.conn.Emit(CollectionPath(collectionID), IfaceCollection+"."+name, canonicalItem); err != nil {
		log.Printf("warning: failed to emit %s: %v", name, err)
	}

	s.emitServiceSignal("CollectionChanged", CollectionPath(collectionID))
}

// GetSecret decrypts this item's payload under the given session, which
// must be authorized for the calling client.
func (i *Item) GetSecret(sessionPath dbus.ObjectPath, sender dbus.Sender) (Secret, *dbus.Error) {
	s := i.svc
	sess, ok := s.lookupSession(sessionPath)
	if !ok {
		return Secret{}, dbuserr.ToDBus(dbuserr.NoSession("unknown session " + string(sessionPath)))
	}
	if err := sess.authorize(string(sender)); err != nil {
		return Secret{}, dbuserr.ToDBus(err)
	}

	plain, err := workerpool.RunValue(s.pool, func() ([]byte, error) {
		return s.store.ReadSecret(i.collectionID, i.secretID, true)
	})
	if err != nil {
		return Secret{}, dbuserr.ToDBus(err)
	}

	params, value, contentType, err := sess.transport.Encrypt(plain)
	if err != nil {
		return Secret{}, dbuserr.ToDBus(err)
	}

	s.recordAccess(i.collectionID, i.secretID, string(sender), nowUnix())

	return Secret{Session: sessionPath, Parameters: params, Value: value, ContentType: contentType}, nil
}

// SetSecret overwrites this item's payload, decrypting it under the
// secret's referenced session.
func (i *Item) SetSecret(secret Secret, sender dbus.Sender) *dbus.Error {
	s := i.svc
	sess, ok := s.lookupSession(secret.Session)
	if !ok {
		return dbuserr.ToDBus(dbuserr.NoSession("unknown session " + string(secret.Session)))
	}
	if err := sess.authorize(string(sender)); err != nil {
		return dbuserr.ToDBus(err)
	}

	plain, err := sess.transport.Decrypt(secret.Parameters, secret.Value)
	if err != nil {
		return dbuserr.ToDBus(err)
	}

	if err := s.pool.Run(func() error { return s.store.SetSecret(i.collectionID, i.secretID, plain) }); err != nil {
		return dbuserr.ToDBus(err)
	}

	s.recordAccess(i.collectionID, i.secretID, string(sender), nowUnix())
	s.emitItemSignal(i.collectionID, i.secretID, "ItemChanged")
	log.Printf("secret set: %s/%s", i.collectionID, i.secretID)
	return nil
}

// Delete removes this secret from every path it's mirrored at and from
// disk.
func (i *Item) Delete() (dbus.ObjectPath, *dbus.Error) {
	s := i.svc

	aliases, err := s.store.ListAliasesForCollection(i.collectionID)
	if err != nil {
		aliases = nil
	}
	for _, alias := range aliases {
		s.unexportItem(AliasSecretPath(alias, i.secretID))
	}
	s.unexportItem(SecretPath(i.collectionID, i.secretID))

	if err := s.pool.Run(func() error { return s.store.DeleteSecret(i.collectionID, i.secretID) }); err != nil {
		return NullObjectPath, dbuserr.ToDBus(err)
	}

	s.mu.Lock()
	delete(s.lastAccess, accessKey(i.collectionID, i.secretID))
	s.mu.Unlock()

	s.refreshCollectionItemsProp(i.collectionID)
	s.emitServiceSignal("CollectionChanged", CollectionPath(i.collectionID))
	log.Printf("item deleted: %s/%s", i.collectionID, i.secretID)
	return NullObjectPath, nil
}

// LastAccess implements the me.grimsteel.PassSecretService.LastAccess
// collaborator interface: the most recent recorded accessor of this
// secret's payload, or a zero record if it has never been read or
// written through GetSecret/SetSecret.
func (i *Item) LastAccess() (string, uint32, uint32, string, uint64, *dbus.Error) {
	s := i.svc
	s.mu.RLock()
	rec, ok := s.lastAccess[accessKey(i.collectionID, i.secretID)]
	s.mu.RUnlock()
	if !ok {
		return "", 0, 0, "", 0, nil
	}
	return rec.BusName, rec.UID, rec.PID, rec.ProcessName, uint64(rec.UnixTime), nil
}
