// Package dbusd is the D-Bus object graph: Service, Collection, Item,
// and Session objects exposing org.freedesktop.Secret.* at
// /org/freedesktop/secrets, kept consistent with the secret store and
// mirrored across every alias path.
package dbusd

import (
	"github.com/godbus/dbus/v5"
)

// Well-known bus name and root path, per the published Secret Service spec.
const (
	ServiceName = "org.freedesktop.secrets"
	RootPath    = "/org/freedesktop/secrets"
)

// Interface names.
const (
	IfaceService    = "org.freedesktop.Secret.Service"
	IfaceCollection = "org.freedesktop.Secret.Collection"
	IfaceItem       = "org.freedesktop.Secret.Item"
	IfaceSession    = "org.freedesktop.Secret.Session"
	IfaceProperties = "org.freedesktop.DBus.Properties"
	IfaceLastAccess = "me.grimsteel.PassSecretService.LastAccess"
)

// CollectionPath returns a collection's canonical object path.
func CollectionPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(RootPath + "/collection/" + id)
}

// SecretPath returns a secret's canonical object path within its
// collection's canonical path.
func SecretPath(collectionID, secretID string) dbus.ObjectPath {
	return CollectionPath(collectionID) + dbus.ObjectPath("/"+secretID)
}

// AliasCollectionPath returns the object path at which an alias mirrors
// a collection.
func AliasCollectionPath(alias string) dbus.ObjectPath {
	return dbus.ObjectPath(RootPath + "/aliases/" + alias)
}

// AliasSecretPath returns the object path at which an alias mirrors a
// secret.
func AliasSecretPath(alias, secretID string) dbus.ObjectPath {
	return AliasCollectionPath(alias) + dbus.ObjectPath("/"+secretID)
}

// SessionPath returns a session's object path.
func SessionPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(RootPath + "/session/" + id)
}

// NullObjectPath is the D-Bus convention for "no object": used as the
// prompt path returned by every operation here (none of them prompt)
// and as the ReadAlias/SetAlias sentinel for "no such alias".
const NullObjectPath = dbus.ObjectPath("/")
