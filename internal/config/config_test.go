package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wofferl/proxmox-backup/internal/crypt"
)

func TestParseAndWriteRoundtrip(t *testing.T) {
	doc := "datastore: store1\n" +
		"\tpath /mnt/backup\n" +
		"\tcomment Main archive\n" +
		"\n" +
		"drive: lto1\n" +
		"\tpath /dev/nst0\n"

	f, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, f.Sections, 2)

	s, ok := f.Get("datastore", "store1")
	require.True(t, ok)
	require.Equal(t, "/mnt/backup", s.Keys["path"])
	require.Equal(t, "Main archive", s.Keys["comment"])

	drives := f.ByType("drive")
	require.Len(t, drives, 1)
	require.Equal(t, "/dev/nst0", drives[0].Keys["path"])

	var out strings.Builder
	require.NoError(t, Write(&out, f))
	again, err := Parse(strings.NewReader(out.String()))
	require.NoError(t, err)
	require.Equal(t, f.Sections, again.Sections)
}

func TestSetAndDelete(t *testing.T) {
	f := &File{}
	f.Set("media-pool", "offsite", map[string]string{"allocation": "continue"})
	_, ok := f.Get("media-pool", "offsite")
	require.True(t, ok)

	f.Delete("media-pool", "offsite")
	_, ok = f.Get("media-pool", "offsite")
	require.False(t, ok)
}

func TestLoadSaveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/datastore.cfg"

	f := &File{}
	f.Set("datastore", "store1", map[string]string{"path": "/mnt/backup"})
	require.NoError(t, Save(path, f))

	loaded, err := Load(path)
	require.NoError(t, err)
	s, ok := loaded.Get("datastore", "store1")
	require.True(t, ok)
	require.Equal(t, "/mnt/backup", s.Keys["path"])
}

func TestKeyStoreInsertAndLoad(t *testing.T) {
	dir := t.TempDir()
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	fp := crypt.NewConfig(key).Fingerprint
	info := EncryptionKeyInfo{Fingerprint: fp, Key: key}

	require.NoError(t, InsertKey(dir, info))

	keys, _, err := LoadKeys(dir)
	require.NoError(t, err)
	got, ok := keys[fp]
	require.True(t, ok)
	require.Equal(t, key, got.Key)
}

func TestLoadKeysRejectsMismatchedFingerprint(t *testing.T) {
	dir := t.TempDir()
	var key [32]byte
	wrongFP := crypt.Fingerprint{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	require.NoError(t, SaveKeys(dir, map[crypt.Fingerprint]EncryptionKeyInfo{
		wrongFP: {Fingerprint: wrongFP, Key: key},
	}))

	_, _, err := LoadKeys(dir)
	require.Error(t, err)
}
