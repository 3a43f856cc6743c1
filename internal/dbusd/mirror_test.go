package dbusd

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestCollectionPathsForReturnsEveryMirror(t *testing.T) {
	s := &Service{exported: map[string]map[dbus.ObjectPath]struct{}{
		"col1": {
			CollectionPath("col1"):        {},
			AliasCollectionPath("work"):   {},
			AliasCollectionPath("backup"): {},
		},
	}}

	paths := s.collectionPathsFor("col1")
	want := map[dbus.ObjectPath]bool{
		CollectionPath("col1"):        true,
		AliasCollectionPath("work"):   true,
		AliasCollectionPath("backup"): true,
	}
	if len(paths) != len(want) {
		t.Fatalf("collectionPathsFor() = %v, want %d paths", paths, len(want))
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("collectionPathsFor() produced unexpected path %s", p)
		}
	}
}

func TestCollectionPathsForUnknownIDIsEmpty(t *testing.T) {
	s := &Service{exported: map[string]map[dbus.ObjectPath]struct{}{}}
	if paths := s.collectionPathsFor("nope"); len(paths) != 0 {
		t.Errorf("collectionPathsFor(unknown) = %v, want empty", paths)
	}
}

func TestItemPathsForMirrorsEveryCollectionPath(t *testing.T) {
	s := &Service{exported: map[string]map[dbus.ObjectPath]struct{}{
		"col1": {
			CollectionPath("col1"):      {},
			AliasCollectionPath("work"): {},
		},
	}}

	paths := s.itemPathsFor("col1", "sec1")
	want := map[dbus.ObjectPath]bool{
		SecretPath("col1", "sec1"):      true,
		AliasSecretPath("work", "sec1"): true,
	}
	if len(paths) != len(want) {
		t.Fatalf("itemPathsFor() = %v, want %d paths", paths, len(want))
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("itemPathsFor() produced unexpected path %s", p)
		}
	}
}
