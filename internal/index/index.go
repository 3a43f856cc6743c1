// Package index is the attribute index: a pair of transactional key-value
// databases (a global one for labels and aliases, one per collection for
// its attribute multimap) backed by go.etcd.io/bbolt, the embedded,
// single-writer/many-reader B+tree store that plays the role the
// specification's reference implementation gives to redb.
package index

import (
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
)

const attrSep = "\x00"

var (
	bucketLabels         = []byte("labels")
	bucketAliases        = []byte("aliases")
	bucketAliasesReverse = []byte("aliases_reverse")
	bucketAttributes     = []byte("attributes")
	bucketAttrsReverse   = []byte("attributes_reverse")
)

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "open index database", err)
	}
	return db, nil
}

// Global is the collections.redb database: labels, aliases, and the
// aliases-reverse multimap.
type Global struct {
	db *bbolt.DB
}

// OpenGlobal opens (creating if necessary) the global index database.
func OpenGlobal(path string) (*Global, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketLabels, bucketAliases, bucketAliasesReverse} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "initialize global index", err)
	}
	return &Global{db: db}, nil
}

// Close closes the underlying database file.
func (g *Global) Close() error {
	return g.db.Close()
}

// GetLabel returns a collection's label. A missing bucket or key is
// reported as found=false, not an error.
func (g *Global) GetLabel(collectionID string) (label string, found bool, err error) {
	err = g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(collectionID))
		if v != nil {
			label = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, dbuserr.Wrap(dbuserr.KindIndexError, "read label", err)
	}
	return label, found, nil
}

// SetLabel sets a collection's label.
func (g *Global) SetLabel(collectionID, label string) error {
	err := g.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketLabels)
		if err != nil {
			return err
		}
		return b.Put([]byte(collectionID), []byte(label))
	})
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindIndexError, "write label", err)
	}
	return nil
}

// GetAlias resolves an alias to a collection id.
func (g *Global) GetAlias(alias string) (collectionID string, found bool, err error) {
	err = g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAliases)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(alias))
		if v != nil {
			collectionID = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, dbuserr.Wrap(dbuserr.KindIndexError, "read alias", err)
	}
	return collectionID, found, nil
}

// SetAlias atomically updates both the forward and reverse alias tables.
// collectionID="" clears the alias.
func (g *Global) SetAlias(alias, collectionID string) error {
	err := g.db.Update(func(tx *bbolt.Tx) error {
		aliases, err := tx.CreateBucketIfNotExists(bucketAliases)
		if err != nil {
			return err
		}
		reverse, err := tx.CreateBucketIfNotExists(bucketAliasesReverse)
		if err != nil {
			return err
		}

		if prev := aliases.Get([]byte(alias)); prev != nil {
			if err := removeFromReverseSet(reverse, string(prev), alias); err != nil {
				return err
			}
		}

		if collectionID == "" {
			return aliases.Delete([]byte(alias))
		}

		if err := aliases.Put([]byte(alias), []byte(collectionID)); err != nil {
			return err
		}
		return addToReverseSet(reverse, collectionID, alias)
	})
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindIndexError, "write alias", err)
	}
	return nil
}

// ListAliasesForCollection returns the aliases currently mirroring a
// collection, in sorted order.
func (g *Global) ListAliasesForCollection(collectionID string) ([]string, error) {
	var result []string
	err := g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAliasesReverse)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(collectionID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &result)
	})
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "list aliases", err)
	}
	return result, nil
}

// ListAllAliases returns every collection's alias set, keyed by
// collection id.
func (g *Global) ListAllAliases() (map[string][]string, error) {
	result := map[string][]string{}
	err := g.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAliasesReverse)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var aliases []string
			if err := json.Unmarshal(v, &aliases); err != nil {
				return err
			}
			result[string(k)] = aliases
			return nil
		})
	})
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "list all aliases", err)
	}
	return result, nil
}

// DeleteCollection removes a collection's label and every alias pointing
// to it, in a single transaction.
func (g *Global) DeleteCollection(collectionID string) error {
	err := g.db.Update(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketLabels); b != nil {
			if err := b.Delete([]byte(collectionID)); err != nil {
				return err
			}
		}

		reverse := tx.Bucket(bucketAliasesReverse)
		aliases := tx.Bucket(bucketAliases)
		if reverse == nil || aliases == nil {
			return nil
		}
		v := reverse.Get([]byte(collectionID))
		if v == nil {
			return nil
		}
		var names []string
		if err := json.Unmarshal(v, &names); err != nil {
			return err
		}
		for _, a := range names {
			if err := aliases.Delete([]byte(a)); err != nil {
				return err
			}
		}
		return reverse.Delete([]byte(collectionID))
	})
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindIndexError, "delete collection metadata", err)
	}
	return nil
}

func addToReverseSet(b *bbolt.Bucket, key, member string) error {
	set, err := decodeSet(b.Get([]byte(key)))
	if err != nil {
		return err
	}
	set[member] = struct{}{}
	return b.Put([]byte(key), encodeSet(set))
}

func removeFromReverseSet(b *bbolt.Bucket, key, member string) error {
	set, err := decodeSet(b.Get([]byte(key)))
	if err != nil {
		return err
	}
	delete(set, member)
	if len(set) == 0 {
		return b.Delete([]byte(key))
	}
	return b.Put([]byte(key), encodeSet(set))
}

func decodeSet(v []byte) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	if v == nil {
		return set, nil
	}
	var list []string
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, err
	}
	for _, m := range list {
		set[m] = struct{}{}
	}
	return set, nil
}

func encodeSet(set map[string]struct{}) []byte {
	list := make([]string, 0, len(set))
	for m := range set {
		list = append(list, m)
	}
	sort.Strings(list)
	data, _ := json.Marshal(list)
	return data
}

// Collection is the attributes.redb database for a single collection:
// the (key,value)->secret-ids multimap and its reverse.
type Collection struct {
	db *bbolt.DB
}

// OpenCollection opens (creating if necessary) a collection's attribute
// index database.
func OpenCollection(path string) (*Collection, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAttributes, bucketAttrsReverse} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "initialize collection index", err)
	}
	return &Collection{db: db}, nil
}

// Close closes the underlying database file.
func (c *Collection) Close() error {
	return c.db.Close()
}

func attrKey(k, v string) []byte {
	return []byte(k + attrSep + v)
}

// ReadAttrs returns a secret's attributes. A missing bucket or key is
// found=false, not an error.
func (c *Collection) ReadAttrs(secretID string) (attrs map[string]string, found bool, err error) {
	err = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttrsReverse)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(secretID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &attrs)
	})
	if err != nil {
		return nil, false, dbuserr.Wrap(dbuserr.KindIndexError, "read attributes", err)
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	return attrs, found, nil
}

// SetAttrs replaces a secret's attribute set in a single transaction:
// the old (k,v)->id edges it implied are removed, the reverse record is
// overwritten, and the new forward edges are inserted.
func (c *Collection) SetAttrs(secretID string, attrs map[string]string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		attrBucket, err := tx.CreateBucketIfNotExists(bucketAttributes)
		if err != nil {
			return err
		}
		reverseBucket, err := tx.CreateBucketIfNotExists(bucketAttrsReverse)
		if err != nil {
			return err
		}

		if prev := reverseBucket.Get([]byte(secretID)); prev != nil {
			var old map[string]string
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			for k, v := range old {
				if err := removeFromReverseSet(attrBucket, string(attrKey(k, v)), secretID); err != nil {
					return err
				}
			}
		}

		encoded, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		if err := reverseBucket.Put([]byte(secretID), encoded); err != nil {
			return err
		}

		for k, v := range attrs {
			if err := addToReverseSet(attrBucket, string(attrKey(k, v)), secretID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindIndexError, "write attributes", err)
	}
	return nil
}

// DeleteSecret removes a secret's reverse record and every (k,v)->id
// edge it implied, in a single transaction.
func (c *Collection) DeleteSecret(secretID string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		reverseBucket := tx.Bucket(bucketAttrsReverse)
		attrBucket := tx.Bucket(bucketAttributes)
		if reverseBucket == nil {
			return nil
		}
		prev := reverseBucket.Get([]byte(secretID))
		if prev == nil {
			return nil
		}
		var old map[string]string
		if err := json.Unmarshal(prev, &old); err != nil {
			return err
		}
		if attrBucket != nil {
			for k, v := range old {
				if err := removeFromReverseSet(attrBucket, string(attrKey(k, v)), secretID); err != nil {
					return err
				}
			}
		}
		return reverseBucket.Delete([]byte(secretID))
	})
	if err != nil {
		return dbuserr.Wrap(dbuserr.KindIndexError, "delete secret attributes", err)
	}
	return nil
}

// Search implements the subset-containment search described in the
// attribute index's design: fetch candidates for the first query pair,
// then keep only those candidates whose full attribute set is a
// superset of the query. An empty query returns an empty result.
func (c *Collection) Search(query map[string]string) ([]string, error) {
	if len(query) == 0 {
		return nil, nil
	}

	// Deterministic pick of the first pair so results are reproducible.
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	firstKey := keys[0]
	firstVal := query[firstKey]

	var result []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		attrBucket := tx.Bucket(bucketAttributes)
		reverseBucket := tx.Bucket(bucketAttrsReverse)
		if attrBucket == nil || reverseBucket == nil {
			return nil
		}

		v := attrBucket.Get(attrKey(firstKey, firstVal))
		if v == nil {
			return nil
		}
		var candidates []string
		if err := json.Unmarshal(v, &candidates); err != nil {
			return err
		}

		for _, id := range candidates {
			raw := reverseBucket.Get([]byte(id))
			if raw == nil {
				continue
			}
			var attrs map[string]string
			if err := json.Unmarshal(raw, &attrs); err != nil {
				return err
			}
			if containsAll(attrs, query) {
				result = append(result, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindIndexError, "search attributes", err)
	}
	sort.Strings(result)
	return result, nil
}

func containsAll(attrs, query map[string]string) bool {
	for k, v := range query {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
