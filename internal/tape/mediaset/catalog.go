package mediaset

import (
	"encoding/json"
	"os"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// catalogEntry is one (content UUID -> file number) mapping, ordered by
// UUID so the catalog can be walked deterministically and serialized in a
// stable order.
type catalogEntry struct {
	ContentUUID uuid.UUID
	FileNumber  uint64
}

func lessEntry(a, b catalogEntry) bool {
	return a.ContentUUID.String() < b.ContentUUID.String()
}

// Catalog is an in-memory index of one medium's contents: which file
// number holds a given archive's content UUID, so restore doesn't need to
// scan the tape from the start (spec.md §4.9 "media catalog").
type Catalog struct {
	tree *btree.BTreeG[catalogEntry]
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tree: btree.NewG(32, lessEntry)}
}

// Insert records that contentUUID lives at fileNumber.
func (c *Catalog) Insert(contentUUID uuid.UUID, fileNumber uint64) {
	c.tree.ReplaceOrInsert(catalogEntry{ContentUUID: contentUUID, FileNumber: fileNumber})
}

// Lookup returns the file number holding contentUUID, if cataloged.
func (c *Catalog) Lookup(contentUUID uuid.UUID) (uint64, bool) {
	item, ok := c.tree.Get(catalogEntry{ContentUUID: contentUUID})
	if !ok {
		return 0, false
	}
	return item.FileNumber, true
}

// Len is the number of cataloged archives.
func (c *Catalog) Len() int { return c.tree.Len() }

// catalogEntryJSON is the on-disk shape: a flat, UUID-ordered array.
type catalogEntryJSON struct {
	ContentUUID string `json:"content-uuid"`
	FileNumber  uint64 `json:"file-number"`
}

// Save serializes the catalog to path as a JSON array, ordered by content
// UUID, so re-saving an unmodified catalog produces an identical file.
func (c *Catalog) Save(path string) error {
	var list []catalogEntryJSON
	c.tree.Ascend(func(e catalogEntry) bool {
		list = append(list, catalogEntryJSON{ContentUUID: e.ContentUUID.String(), FileNumber: e.FileNumber})
		return true
	})
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal catalog")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return os.Rename(tmp, path)
}

// LoadCatalog reads a catalog previously written by Save.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var list []catalogEntryJSON
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal catalog")
	}
	c := NewCatalog()
	for _, e := range list {
		id, err := uuid.Parse(e.ContentUUID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse content uuid %q", e.ContentUUID)
		}
		c.Insert(id, e.FileNumber)
	}
	return c, nil
}
