// Package vault stores per-principal AWS access key pairs encrypted at
// rest. Each pair is sealed individually with AES-256-GCM under a
// master key derived from the operator passphrase via Argon2id, with
// the principal name bound as additional authenticated data so entries
// cannot be swapped between principals on disk. Decrypted pairs seed
// the credential router's static map at startup.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/nhiscan-project/nhiscan/internal/config"
)

const (
	VaultFileName = "nhiscan.vault"

	formatVersion = 1

	// Argon2id parameters: m=64MB, t=3, p=4
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 32
	nonceLen = 12 // AES-256-GCM standard nonce size
)

// sealedKeys is one principal's encrypted key pair as stored on disk.
type sealedKeys struct {
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"` // AES-256-GCM sealed key pair + auth tag
	AddedAt    time.Time `json:"added_at"`
}

// vaultFile is the on-disk representation.
type vaultFile struct {
	Version    int                    `json:"version"`
	Salt       []byte                 `json:"salt"`
	Principals map[string]*sealedKeys `json:"principals"`
}

// Vault holds the unlocked credential store. The master key lives in
// memory only and is zeroed on Close.
type Vault struct {
	mu        sync.RWMutex
	masterKey []byte
	salt      []byte
	records   map[string]*sealedKeys
	path      string // empty for memory-only vaults
	dirty     bool
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
}

// aad binds a sealed entry to its principal name.
func aad(principalID string) []byte {
	return []byte("principal/" + principalID)
}

// Create initializes a new vault with a fresh salt and passphrase-derived
// master key.
func Create(path string, passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	v := &Vault{
		masterKey: deriveKey(passphrase, salt),
		salt:      salt,
		records:   make(map[string]*sealedKeys),
		path:      path,
		dirty:     true,
	}

	if path != "" {
		if err := v.flush(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CreateMemoryOnly creates an in-memory vault that never writes to disk.
func CreateMemoryOnly(passphrase string) (*Vault, error) {
	return Create("", passphrase)
}

// Open loads an existing vault file and unlocks it with the given
// passphrase. A wrong passphrase is detected by trying to decrypt one
// stored entry; an empty vault opens under any passphrase.
func Open(path string, passphrase string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	if vf.Version != formatVersion {
		return nil, fmt.Errorf("unsupported vault format version %d", vf.Version)
	}

	mk := deriveKey(passphrase, vf.Salt)
	records := vf.Principals
	if records == nil {
		records = make(map[string]*sealedKeys)
	}

	v := &Vault{
		masterKey: mk,
		salt:      vf.Salt,
		records:   records,
		path:      path,
	}

	for name := range records {
		if _, err := v.PrincipalKeys(name); err != nil {
			for i := range mk {
				mk[i] = 0
			}
			return nil, fmt.Errorf("incorrect passphrase or corrupted vault")
		}
		break
	}
	return v, nil
}

// PutPrincipalKeys seals and stores one principal's access key pair,
// replacing any previous entry for that principal.
func (v *Vault) PutPrincipalKeys(principalID string, pair config.KeyPair) error {
	plaintext, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshaling key pair: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	gcm, err := v.cipherLocked()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	v.records[principalID] = &sealedKeys{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad(principalID)),
		AddedAt:    time.Now().UTC(),
	}
	v.dirty = true
	return nil
}

// PrincipalKeys decrypts and returns one principal's stored key pair.
func (v *Vault) PrincipalKeys(principalID string) (config.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rec, ok := v.records[principalID]
	if !ok {
		return config.KeyPair{}, fmt.Errorf("no stored credentials for principal %q", principalID)
	}

	gcm, err := v.cipherLocked()
	if err != nil {
		return config.KeyPair{}, err
	}
	plaintext, err := gcm.Open(nil, rec.Nonce, rec.Ciphertext, aad(principalID))
	if err != nil {
		return config.KeyPair{}, fmt.Errorf("decrypting credentials for %s: %w", principalID, err)
	}

	var pair config.KeyPair
	if err := json.Unmarshal(plaintext, &pair); err != nil {
		return config.KeyPair{}, fmt.Errorf("parsing key pair for %s: %w", principalID, err)
	}
	return pair, nil
}

// DeletePrincipalKeys removes one principal's stored key pair.
func (v *Vault) DeletePrincipalKeys(principalID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.records[principalID]; !ok {
		return fmt.Errorf("no stored credentials for principal %q", principalID)
	}
	delete(v.records, principalID)
	v.dirty = true
	return nil
}

// Principals lists the principal names with stored key pairs, sorted.
func (v *Vault) Principals() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.records))
	for name := range v.records {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	return names
}

// MergeInto copies every stored per-principal entry into the credential
// configuration, without overriding entries already present from the
// environment. Called once at startup, before the router is built.
func (v *Vault) MergeInto(creds *config.Credentials) error {
	if creds.PerPrincipal == nil {
		creds.PerPrincipal = map[string]config.KeyPair{}
	}
	for _, name := range v.Principals() {
		if _, exists := creds.PerPrincipal[name]; exists {
			continue
		}
		pair, err := v.PrincipalKeys(name)
		if err != nil {
			return err
		}
		creds.PerPrincipal[name] = pair
	}
	return nil
}

// cipherLocked builds the AEAD for the in-memory master key. Caller
// holds v.mu.
func (v *Vault) cipherLocked() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Save persists the vault to disk. No-op for memory-only vaults.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flush()
}

func (v *Vault) flush() error {
	if v.path == "" || !v.dirty {
		return nil
	}

	data, err := json.Marshal(vaultFile{
		Version:    formatVersion,
		Salt:       v.salt,
		Principals: v.records,
	})
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}

	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}
	v.dirty = false
	return nil
}

// Close zeroes the master key and flushes pending writes.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.flush()
	for i := range v.masterKey {
		v.masterKey[i] = 0
	}
	return err
}
