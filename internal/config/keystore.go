package config

import (
	"crypto/sha256"
	"encoding/json"
	"os"

	"github.com/dolthub/fslock"
	"github.com/pkg/errors"

	"github.com/wofferl/proxmox-backup/internal/crypt"
)

// EncryptionKeyInfo is one plain (unprotected) hardware encryption key for
// tape media sets, indexed by its fingerprint (grounded on
// original_source/src/config/tape_encryption_keys.rs's EncryptionKeyInfo).
type EncryptionKeyInfo struct {
	Fingerprint crypt.Fingerprint `json:"fingerprint"`
	Key         [32]byte          `json:"key"`
}

// keyInfoJSON mirrors the Rust side's hex_key serde module: fingerprint
// and key both render as lowercase hex strings on disk.
type keyInfoJSON struct {
	Fingerprint string `json:"fingerprint"`
	Key         string `json:"key"`
}

func (i EncryptionKeyInfo) toJSON() keyInfoJSON {
	return keyInfoJSON{Fingerprint: i.Fingerprint.String(), Key: hexEncode(i.Key[:])}
}

func (j keyInfoJSON) toInfo() (EncryptionKeyInfo, error) {
	keyBytes, err := hexDecode(j.Key)
	if err != nil || len(keyBytes) != 32 {
		return EncryptionKeyInfo{}, errors.New("malformed key hex")
	}
	var info EncryptionKeyInfo
	copy(info.Key[:], keyBytes)
	fp, err := parseFingerprint(j.Fingerprint)
	if err != nil {
		return EncryptionKeyInfo{}, err
	}
	info.Fingerprint = fp
	return info, nil
}

const (
	tapeKeysLockFile = ".tape-encryption-keys.lck"
	tapeKeysFile     = "tape-encryption-keys.json"
)

// LoadKeys reads the plain tape-key store at <dir>/tape-encryption-keys.json,
// verifying every entry's stored fingerprint against one recomputed from
// its key (original_source: load_keys). It returns the map plus a SHA-256
// digest of the raw file content, so callers can detect whether the file
// changed underneath them.
func LoadKeys(dir string) (map[crypt.Fingerprint]EncryptionKeyInfo, [32]byte, error) {
	path := dir + "/" + tapeKeysFile
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		raw = []byte("[]")
	} else if err != nil {
		return nil, [32]byte{}, errors.Wrapf(err, "read %s", path)
	}

	var list []keyInfoJSON
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, [32]byte{}, errors.Wrap(err, "parse tape key store")
	}

	out := make(map[crypt.Fingerprint]EncryptionKeyInfo, len(list))
	for _, j := range list {
		info, err := j.toInfo()
		if err != nil {
			return nil, [32]byte{}, err
		}
		expected := crypt.NewConfig(info.Key).Fingerprint
		if expected != info.Fingerprint {
			return nil, [32]byte{}, errors.Errorf("inconsistent fingerprint (%s != %s)", info.Fingerprint, expected)
		}
		if _, dup := out[info.Fingerprint]; dup {
			return nil, [32]byte{}, errors.New("found duplicate fingerprint")
		}
		out[info.Fingerprint] = info
	}
	return out, sha256.Sum256(raw), nil
}

// SaveKeys writes the plain tape-key store, 0600, atomically (temp file
// plus rename) (original_source: save_keys, mode 0600 "only accessible by
// root"). It takes no lock itself; InsertKey holds the store's lock
// around its load-modify-save.
func SaveKeys(dir string, keys map[crypt.Fingerprint]EncryptionKeyInfo) error {
	list := make([]keyInfoJSON, 0, len(keys))
	for _, info := range keys {
		list = append(list, info.toJSON())
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal tape key store")
	}

	path := dir + "/" + tapeKeysFile
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return os.Rename(tmp, path)
}

// InsertKey adds or replaces key in the store at dir under an exclusive
// lock, read-modify-write, so two concurrent "create tape key" operations
// can't silently clobber each other.
func InsertKey(dir string, info EncryptionKeyInfo) error {
	lock := fslock.New(dir + "/" + tapeKeysLockFile)
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "lock tape key store")
	}
	defer lock.Unlock()

	keys, _, err := LoadKeys(dir)
	if err != nil {
		return err
	}
	keys[info.Fingerprint] = info
	return SaveKeys(dir, keys)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.New("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexVal(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("invalid hex digit %q", c)
	}
}

func parseFingerprint(s string) (crypt.Fingerprint, error) {
	raw, err := hexDecodeColon(s)
	if err != nil || len(raw) != 8 {
		return crypt.Fingerprint{}, errors.Errorf("malformed fingerprint %q", s)
	}
	var fp crypt.Fingerprint
	copy(fp[:], raw)
	return fp, nil
}

func hexDecodeColon(s string) ([]byte, error) {
	out := make([]byte, 0, (len(s)+1)/3)
	cur := byte(0)
	have := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ':' {
			continue
		}
		v, err := hexVal(c)
		if err != nil {
			return nil, err
		}
		if !have {
			cur = v << 4
			have = true
		} else {
			out = append(out, cur|v)
			have = false
		}
	}
	if have {
		return nil, errors.New("odd-length hex string")
	}
	return out, nil
}
