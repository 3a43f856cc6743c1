package dbusd

import (
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
	"github.com/grimsteel/pass-secret-service/internal/secretstore"
	"github.com/grimsteel/pass-secret-service/internal/workerpool"
)

// Collection is a cheap, cloneable handle to a collection: the same
// logical object is exported at its canonical path and at every alias
// path that currently mirrors it, each as its own Collection value.
type Collection struct {
	svc *Service
	id  string
}

// installCollection exports a collection and its secrets at its
// canonical path plus every alias currently pointing to it. Used at
// startup and whenever CreateCollection mints a new collection.
func (s *Service) installCollection(id string) error {
	if err := s.exportCollectionAt(CollectionPath(id), id); err != nil {
		return err
	}

	aliases, err := s.store.ListAliasesForCollection(id)
	if err != nil {
		return err
	}
	for _, alias := range aliases {
		if err := s.exportCollectionAt(AliasCollectionPath(alias), id); err != nil {
			return err
		}
	}
	return nil
}

// exportCollectionAt exports the Collection interface, its properties,
// introspection, and every one of its secrets at the given path.
func (s *Service) exportCollectionAt(path dbus.ObjectPath, id string) error {
	col := &Collection{svc: s, id: id}
	if err := s.conn.Export(col, path, IfaceCollection); err != nil {
		return fmt.Errorf("export collection %s: %w", path, err)
	}
	if err := s.conn.Export(CollectionIntrospectable(), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export collection introspection %s: %w", path, err)
	}
	if err := s.exportCollectionProps(path, id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.exported[id] == nil {
		s.exported[id] = map[dbus.ObjectPath]struct{}{}
	}
	s.exported[id][path] = struct{}{}
	s.mu.Unlock()

	secretIDs, err := s.store.ListSecrets(id)
	if err != nil {
		return err
	}
	for _, sid := range secretIDs {
		itemPath := path + dbus.ObjectPath("/"+sid)
		if err := s.exportItemAt(itemPath, id, sid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) exportCollectionProps(path dbus.ObjectPath, id string) error {
	label, err := s.store.GetLabel(id)
	if err != nil {
		label = id
	}
	created, modified, err := s.store.StatCollection(id)
	if err != nil {
		created, modified = 0, 0
	}

	items := s.itemPaths(path, id)

	propsSpec := prop.Map{
		IfaceCollection: {
			"Items":    {Value: items, Writable: false, Emit: prop.EmitTrue},
			"Label":    {Value: label, Writable: true, Emit: prop.EmitTrue, Callback: s.onCollectionLabelSet(id)},
			"Locked":   {Value: false, Writable: false, Emit: prop.EmitTrue},
			"Created":  {Value: uint64(created), Writable: false, Emit: prop.EmitFalse},
			"Modified": {Value: uint64(modified), Writable: false, Emit: prop.EmitTrue},
		},
	}
	p, err := prop.Export(s.conn, path, propsSpec)
	if err != nil {
		return fmt.Errorf("export collection properties %s: %w", path, err)
	}
	s.mu.Lock()
	s.colProps[path] = p
	s.mu.Unlock()
	return nil
}

func (s *Service) itemPaths(collectionPath dbus.ObjectPath, id string) []dbus.ObjectPath {
	ids, err := s.store.ListSecrets(id)
	if err != nil {
		return nil
	}
	paths := make([]dbus.ObjectPath, 0, len(ids))
	for _, sid := range ids {
		paths = append(paths, collectionPath+dbus.ObjectPath("/"+sid))
	}
	return paths
}

func (s *Service) onCollectionLabelSet(id string) func(*prop.Change) *dbus.Error {
	return func(c *prop.Change) *dbus.Error {
		label, _ := c.Value.(string)
		if err := s.pool.Run(func() error { return s.store.SetLabel(id, label) }); err != nil {
			return dbuserr.ToDBus(err)
		}
		for _, p := range s.collectionPathsFor(id) {
			s.mu.RLock()
			cp, ok := s.colProps[p]
			s.mu.RUnlock()
			// c.Props is updated by its own Set once this callback returns.
			if ok && cp != c.Props {
				cp.SetMust(IfaceCollection, "Label", label)
			}
		}
		return nil
	}
}

// installAlias exports a collection and all of its secrets at a newly
// attached alias path.
func (s *Service) installAlias(alias, id string) error {
	return s.exportCollectionAt(AliasCollectionPath(alias), id)
}

// uninstallAlias removes a collection and all of its secrets from an
// alias path that no longer points at it.
func (s *Service) uninstallAlias(alias, id string) error {
	path := AliasCollectionPath(alias)

	secretIDs, err := s.store.ListSecrets(id)
	if err != nil {
		secretIDs = nil
	}
	for _, sid := range secretIDs {
		s.unexportItem(path + dbus.ObjectPath("/"+sid))
	}
	s.unexportCollection(path, id)
	return nil
}

func (s *Service) unexportCollection(path dbus.ObjectPath, id string) {
	_ = s.conn.Export(nil, path, IfaceCollection)
	_ = s.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
	_ = s.conn.Export(nil, path, IfaceProperties)

	s.mu.Lock()
	if set, ok := s.exported[id]; ok {
		delete(set, path)
		if len(set) == 0 {
			delete(s.exported, id)
		}
	}
	delete(s.colProps, path)
	s.mu.Unlock()
}

// Delete removes the collection object at every path (canonical and
// alias) it's mirrored at, its items, its aliases, and its on-disk
// directory.
func (c *Collection) Delete() (dbus.ObjectPath, *dbus.Error) {
	s := c.svc
	id := c.id

	aliases, err := s.store.ListAliasesForCollection(id)
	if err != nil {
		return NullObjectPath, dbuserr.ToDBus(err)
	}

	secretIDs, err := s.store.ListSecrets(id)
	if err != nil {
		secretIDs = nil
	}

	for _, alias := range aliases {
		aliasCollectionPath := AliasCollectionPath(alias)
		for _, sid := range secretIDs {
			s.unexportItem(aliasCollectionPath + dbus.ObjectPath("/"+sid))
		}
		s.unexportCollection(aliasCollectionPath, id)
	}

	canonical := CollectionPath(id)
	for _, sid := range secretIDs {
		s.unexportItem(canonical + dbus.ObjectPath("/"+sid))
	}
	s.unexportCollection(canonical, id)

	if err := s.pool.Run(func() error { return s.store.DeleteCollection(id) }); err != nil {
		return NullObjectPath, dbuserr.ToDBus(err)
	}

	s.refreshCollectionsProp()
	s.emitServiceSignal("CollectionDeleted", canonical)
	log.Printf("collection deleted: %s", id)
	return NullObjectPath, nil
}

// SearchItems returns secret paths in this collection matching attrs.
func (c *Collection) SearchItems(attrs map[string]string) ([]dbus.ObjectPath, *dbus.Error) {
	s := c.svc
	matches, err := workerpool.RunValue(s.pool, func() ([]string, error) {
		return s.store.SearchCollection(c.id, attrs)
	})
	if err != nil {
		return nil, dbuserr.ToDBus(err)
	}
	paths := make([]dbus.ObjectPath, 0, len(matches))
	for _, sid := range matches {
		paths = append(paths, SecretPath(c.id, sid))
	}
	return paths, nil
}

// CreateItem decrypts the inbound secret under the named session, then
// either updates a matching existing item (replace=true) or creates a
// fresh one, installing it at the collection's canonical path and every
// alias path.
func (c *Collection) CreateItem(properties map[string]dbus.Variant, secret Secret, replace bool, sender dbus.Sender) (dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	s := c.svc

	sess, ok := s.lookupSession(secret.Session)
	if !ok {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(dbuserr.NoSession("unknown session "+string(secret.Session)))
	}
	if err := sess.authorize(string(sender)); err != nil {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
	}
	plain, err := sess.transport.Decrypt(secret.Parameters, secret.Value)
	if err != nil {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
	}

	label := ""
	if v, ok := properties["org.freedesktop.Secret.Item.Label"]; ok {
		if str, ok := v.Value().(string); ok {
			label = str
		}
	}
	attrs := map[string]string{}
	if v, ok := properties["org.freedesktop.Secret.Item.Attributes"]; ok {
		if m, ok := v.Value().(map[string]string); ok {
			attrs = m
		}
	}

	if replace {
		if existing, found, err := c.findMatch(attrs); err != nil {
			return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
		} else if found {
			if err := s.pool.Run(func() error {
				if err := s.store.SetSecret(c.id, existing, plain); err != nil {
					return err
				}
				if label != "" {
					return s.store.SetSecretLabel(c.id, existing, label)
				}
				return nil
			}); err != nil {
				return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
			}
			path := SecretPath(c.id, existing)
			s.emitItemSignal(c.id, existing, "ItemChanged")
			return path, NullObjectPath, nil
		}
	}

	secretID, err := workerpool.RunValue(s.pool, func() (string, error) {
		return s.store.CreateSecret(c.id, label, plain, attrs)
	})
	if err != nil {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
	}

	if err := s.installItemEverywhere(c.id, secretID); err != nil {
		return NullObjectPath, NullObjectPath, dbuserr.ToDBus(err)
	}
	s.refreshCollectionItemsProp(c.id)
	s.emitItemSignal(c.id, secretID, "ItemCreated")
	log.Printf("item created: %s/%s", c.id, secretID)

	return SecretPath(c.id, secretID), NullObjectPath, nil
}

func (c *Collection) findMatch(attrs map[string]string) (secretID string, found bool, err error) {
	if len(attrs) == 0 {
		return "", false, nil
	}
	matches, err := c.svc.store.SearchCollection(c.id, attrs)
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	return matches[0], true, nil
}

// installItemEverywhere exports a newly created secret at the
// collection's canonical path and every alias mirroring it.
func (s *Service) installItemEverywhere(collectionID, secretID string) error {
	if err := s.exportItemAt(SecretPath(collectionID, secretID), collectionID, secretID); err != nil {
		return err
	}
	aliases, err := s.store.ListAliasesForCollection(collectionID)
	if err != nil {
		return err
	}
	for _, alias := range aliases {
		if err := s.exportItemAt(AliasSecretPath(alias, secretID), collectionID, secretID); err != nil {
			return err
		}
	}
	return nil
}

// collectionPathsFor returns every path (canonical and every currently
// mirroring alias) a collection id is exported at.
func (s *Service) collectionPathsFor(id string) []dbus.ObjectPath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]dbus.ObjectPath, 0, len(s.exported[id]))
	for p := range s.exported[id] {
		paths = append(paths, p)
	}
	return paths
}

func (s *Service) refreshCollectionItemsProp(id string) {
	for _, colPath := range s.collectionPathsFor(id) {
		s.mu.RLock()
		p, ok := s.colProps[colPath]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		p.SetMust(IfaceCollection, "Items", s.itemPaths(colPath, id))
	}
}
