// Package config loads the core's own configuration: datastore, tape
// drive and media-pool definitions from section-config-style files, plus
// the tape encryption keystore (spec.md's config collaborator, grounded on
// original_source/src/config/*.rs, which all use this flat section
// format rather than YAML/TOML).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Section is one "type: id" block with its key/value properties.
type Section struct {
	Type string
	ID   string
	Keys map[string]string
}

// File is a parsed section-config file: an ordered list of sections (order
// is preserved on Write so re-saving a file a human edited doesn't churn
// its diff).
type File struct {
	Sections []Section
}

// Get returns the first section of the given type and id, if any.
func (f *File) Get(typ, id string) (Section, bool) {
	for _, s := range f.Sections {
		if s.Type == typ && s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// ByType returns every section of the given type, in file order.
func (f *File) ByType(typ string) []Section {
	var out []Section
	for _, s := range f.Sections {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// Set inserts or replaces the section of the given type/id.
func (f *File) Set(typ, id string, keys map[string]string) {
	for i, s := range f.Sections {
		if s.Type == typ && s.ID == id {
			f.Sections[i].Keys = keys
			return
		}
	}
	f.Sections = append(f.Sections, Section{Type: typ, ID: id, Keys: keys})
}

// Delete removes the section of the given type/id, if present.
func (f *File) Delete(typ, id string) {
	for i, s := range f.Sections {
		if s.Type == typ && s.ID == id {
			f.Sections = append(f.Sections[:i], f.Sections[i+1:]...)
			return
		}
	}
}

// Parse reads a section-config document:
//
//	datastore: store1
//		path /mnt/backup
//		comment Main archive
//
//	drive: lto1
//		path /dev/nst0
//
// A line "type: id" starts a new section; subsequent indented "key value"
// lines (one leading tab or space run) belong to it, until the next
// section header or EOF.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	var cur *Section
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			typ, id, err := parseHeader(line)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNo)
			}
			f.Sections = append(f.Sections, Section{Type: typ, ID: id, Keys: map[string]string{}})
			cur = &f.Sections[len(f.Sections)-1]
			continue
		}
		if cur == nil {
			return nil, errors.Errorf("line %d: property outside any section", lineNo)
		}
		key, value, err := parseProperty(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		cur.Keys[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan config")
	}
	return f, nil
}

func parseHeader(line string) (typ, id string, err error) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", errors.Errorf("expected 'type: id', got %q", line)
	}
	typ = strings.TrimSpace(line[:idx])
	id = strings.TrimSpace(line[idx+1:])
	if typ == "" || id == "" {
		return "", "", errors.Errorf("expected 'type: id', got %q", line)
	}
	return typ, id, nil
}

func parseProperty(line string) (key, value string, err error) {
	trimmed := strings.TrimLeft(line, " \t")
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return "", "", errors.Errorf("expected 'key value', got %q", line)
	}
	return parts[0], strings.TrimSpace(parts[1]), nil
}

// Write serializes f back to the section-config text format.
func Write(w io.Writer, f *File) error {
	for i, s := range f.Sections {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", s.Type, s.ID); err != nil {
			return err
		}
		keys := make([]string, 0, len(s.Keys))
		for k := range s.Keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "\t%s %s\n", k, s.Keys[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load parses the section-config file at path, returning an empty File if
// it doesn't exist yet.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Save atomically replaces the section-config file at path.
func Save(path string, cfg *File) error {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if err := Write(out, cfg); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
