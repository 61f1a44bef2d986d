package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KV is the durable key/value contract shared by identity, the message
// store, and the gateway uploader. Writes are snapshot-style and idempotent.
type KV interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte) error
	Delete(key string) error
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidPass = errors.New("invalid passphrase")
	ErrCorruptFile = errors.New("corrupted storage file")
)

// storageFile is the on-disk layout. Sealed files carry salt/nonce/ciphertext;
// plaintext files carry the entry map directly.
type storageFile struct {
	Version    int               `json:"version"`
	Salt       string            `json:"salt,omitempty"`
	Nonce      string            `json:"nonce,omitempty"`
	Ciphertext string            `json:"ciphertext,omitempty"`
	Entries    map[string][]byte `json:"entries,omitempty"`
}

// Options tunes how a FileStore is opened.
type Options struct {
	// Passphrase seals the file at rest with an Argon2id-derived key and
	// XChaCha20-Poly1305. Empty means plaintext storage.
	Passphrase string
}

// FileStore is a file-backed KV with whole-file snapshot persistence.
type FileStore struct {
	path      string
	salt      []byte
	masterKey []byte
	mu        sync.RWMutex
	entries   map[string][]byte
}

// Open loads the store at path, creating it on first use.
func Open(path string, opts Options) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string][]byte),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read storage: %w", err)
		}
		if opts.Passphrase != "" {
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return nil, fmt.Errorf("generate salt: %w", err)
			}
			s.salt = salt
			s.masterKey = deriveMasterKey(opts.Passphrase, salt)
		}
		return s, nil
	}

	var file storageFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode storage: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return nil, fmt.Errorf("unsupported storage version %d", file.Version)
	}

	if file.Salt == "" {
		if file.Entries != nil {
			s.entries = file.Entries
		}
		if opts.Passphrase != "" {
			// Seal a previously plaintext store on next persist.
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return nil, fmt.Errorf("generate salt: %w", err)
			}
			s.salt = salt
			s.masterKey = deriveMasterKey(opts.Passphrase, salt)
		}
		return s, nil
	}

	if opts.Passphrase == "" {
		return nil, fmt.Errorf("storage is sealed: %w", ErrInvalidPass)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(opts.Passphrase, salt)
	entries, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return nil, err
	}
	s.salt = salt
	s.masterKey = master
	s.entries = entries
	return s, nil
}

// Path returns the backing file path (primarily for logging and tests).
func (s *FileStore) Path() string {
	return s.path
}

// Get fetches a value by key.
func (s *FileStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// Put writes a value and persists the snapshot.
func (s *FileStore) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("storage key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = append([]byte(nil), value...)
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist storage: %w", err)
	}
	return nil
}

// Delete removes a key and persists the snapshot.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist storage: %w", err)
	}
	return nil
}

func (s *FileStore) persist() error {
	file := storageFile{Version: currentVersion}

	if len(s.masterKey) > 0 {
		nonce, ciphertext, err := sealPayload(s.masterKey, s.entries)
		if err != nil {
			return err
		}
		file.Salt = base64.StdEncoding.EncodeToString(s.salt)
		file.Nonce = base64.StdEncoding.EncodeToString(nonce)
		file.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	} else {
		file.Entries = s.entries
	}

	serialized, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create storage directory: %w", err)
	}

	// Snapshot write: temp file then rename so a crash never truncates state.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o600); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit storage: %w", err)
	}
	return nil
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, entries map[string][]byte) ([]byte, []byte, error) {
	serialized, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal entries: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)
	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (map[string][]byte, error) {
	if len(ciphertext) == 0 {
		return map[string][]byte{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrCorruptFile)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt storage: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	entries := make(map[string][]byte)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", ErrCorruptFile)
	}
	return entries, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
