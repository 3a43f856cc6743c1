package index

import (
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func openTestGlobal(t *testing.T) *Global {
	t.Helper()
	dir := t.TempDir()
	g, err := OpenGlobal(filepath.Join(dir, "collections.redb"))
	if err != nil {
		t.Fatalf("OpenGlobal: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func openTestCollection(t *testing.T) *Collection {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenCollection(filepath.Join(dir, "attributes.redb"))
	if err != nil {
		t.Fatalf("OpenCollection: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGlobalLabelMissingIsNotFoundNotError(t *testing.T) {
	g := openTestGlobal(t)
	_, found, err := g.GetLabel("nonexistent")
	if err != nil {
		t.Fatalf("GetLabel: %v", err)
	}
	if found {
		t.Error("GetLabel() found = true for a fresh store, want false")
	}
}

func TestGlobalAliasLifecycle(t *testing.T) {
	g := openTestGlobal(t)

	if err := g.SetAlias("default", "col1"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	id, found, err := g.GetAlias("default")
	if err != nil || !found || id != "col1" {
		t.Fatalf("GetAlias() = (%q, %v, %v), want (col1, true, nil)", id, found, err)
	}

	aliases, err := g.ListAliasesForCollection("col1")
	if err != nil {
		t.Fatalf("ListAliasesForCollection: %v", err)
	}
	if !reflect.DeepEqual(aliases, []string{"default"}) {
		t.Errorf("ListAliasesForCollection() = %v, want [default]", aliases)
	}

	// Re-pointing the alias must detach it from col1.
	if err := g.SetAlias("default", "col2"); err != nil {
		t.Fatalf("SetAlias (repoint): %v", err)
	}
	aliases, _ = g.ListAliasesForCollection("col1")
	if len(aliases) != 0 {
		t.Errorf("col1 still has aliases after repoint: %v", aliases)
	}
	aliases, _ = g.ListAliasesForCollection("col2")
	if !reflect.DeepEqual(aliases, []string{"default"}) {
		t.Errorf("col2 aliases = %v, want [default]", aliases)
	}

	// Idempotence: setting the same alias to the same target again is a no-op.
	if err := g.SetAlias("default", "col2"); err != nil {
		t.Fatalf("SetAlias (idempotent): %v", err)
	}
	aliases, _ = g.ListAliasesForCollection("col2")
	if !reflect.DeepEqual(aliases, []string{"default"}) {
		t.Errorf("col2 aliases after idempotent set = %v, want [default]", aliases)
	}

	// Clearing removes the forward mapping.
	if err := g.SetAlias("default", ""); err != nil {
		t.Fatalf("SetAlias (clear): %v", err)
	}
	if _, found, _ := g.GetAlias("default"); found {
		t.Error("GetAlias() found alias after clearing")
	}
}

func TestGlobalDeleteCollectionRemovesAliasesAndLabel(t *testing.T) {
	g := openTestGlobal(t)
	if err := g.SetLabel("col1", "My Collection"); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	if err := g.SetAlias("default", "col1"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	if err := g.SetAlias("other", "col1"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}

	if err := g.DeleteCollection("col1"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	if _, found, _ := g.GetLabel("col1"); found {
		t.Error("label survived DeleteCollection")
	}
	for _, alias := range []string{"default", "other"} {
		if _, found, _ := g.GetAlias(alias); found {
			t.Errorf("alias %q survived DeleteCollection", alias)
		}
	}
}

func TestCollectionSearchIsSubsetContainment(t *testing.T) {
	c := openTestCollection(t)

	if err := c.SetAttrs("secret1", map[string]string{"a": "1", "b": "2", "c": "3"}); err != nil {
		t.Fatalf("SetAttrs: %v", err)
	}
	if err := c.SetAttrs("secret2", map[string]string{"a": "1", "b": "X"}); err != nil {
		t.Fatalf("SetAttrs: %v", err)
	}

	results, err := c.Search(map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(results, []string{"secret1"}) {
		t.Errorf("Search({a:1,b:2}) = %v, want [secret1]", results)
	}

	results, err = c.Search(map[string]string{"a": "1", "b": "X"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	sort.Strings(results)
	if !reflect.DeepEqual(results, []string{"secret2"}) {
		t.Errorf("Search({a:1,b:X}) = %v, want [secret2]", results)
	}

	// Boundary: empty query returns empty, never "all secrets".
	results, err = c.Search(map[string]string{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search({}) = %v, want empty", results)
	}
}

func TestCollectionDeleteSecretRemovesForwardEdges(t *testing.T) {
	c := openTestCollection(t)
	if err := c.SetAttrs("secret1", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("SetAttrs: %v", err)
	}

	if err := c.DeleteSecret("secret1"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, found, _ := c.ReadAttrs("secret1"); found {
		t.Error("ReadAttrs found a deleted secret")
	}
	results, err := c.Search(map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() after delete = %v, want empty", results)
	}

	// Idempotence: deleting again is a no-op, not an error.
	if err := c.DeleteSecret("secret1"); err != nil {
		t.Errorf("DeleteSecret (again): %v", err)
	}
}

func TestCollectionSetAttrsReplacesOldEdges(t *testing.T) {
	c := openTestCollection(t)
	if err := c.SetAttrs("secret1", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("SetAttrs: %v", err)
	}
	if err := c.SetAttrs("secret1", map[string]string{"a": "2"}); err != nil {
		t.Fatalf("SetAttrs (replace): %v", err)
	}

	if results, _ := c.Search(map[string]string{"a": "1"}); len(results) != 0 {
		t.Errorf("old attribute edge still present: %v", results)
	}
	results, err := c.Search(map[string]string{"a": "2"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !reflect.DeepEqual(results, []string{"secret1"}) {
		t.Errorf("Search({a:2}) = %v, want [secret1]", results)
	}
}
