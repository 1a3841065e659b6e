package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2-HMAC-SHA256 parameters for the mnemonic blob.
	kdfIterations = 100_000
	saltLen       = 32
)

var (
	// ErrKeystoreNotFound means no blob exists yet at the keystore path.
	ErrKeystoreNotFound = errors.New("keystore not found")
	// ErrWrongPassphrase means the blob exists but failed AEAD authentication.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrCorruptKeystore means the blob exists but cannot be parsed or holds no valid mnemonic.
	ErrCorruptKeystore = errors.New("corrupt keystore")
)

// EncryptedMnemonic is the on-disk blob.
type EncryptedMnemonic struct {
	Ciphertext []byte `json:"encrypted_data"`
	Nonce      []byte `json:"nonce"`
	Salt       []byte `json:"salt"`
}

// Keystore persists the wallet mnemonic encrypted under a passphrase.
type Keystore struct {
	path   string
	logger *log.Entry
}

// NewKeystore returns a keystore backed by the file at path.
func NewKeystore(path string) *Keystore {
	return &Keystore{
		path:   path,
		logger: log.WithField("component", "keystore"),
	}
}

// Path returns the blob location.
func (k *Keystore) Path() string { return k.path }

// LoadOrCreate decrypts the stored mnemonic. When no blob exists a fresh mnemonic is
// generated, persisted and returned. A present blob that fails authentication returns
// ErrWrongPassphrase and is left untouched.
func (k *Keystore) LoadOrCreate(passphrase []byte) (*Mnemonic, error) {
	m, err := k.Load(passphrase)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrKeystoreNotFound) {
		return nil, err
	}

	k.logger.Info("no keystore found, creating new mnemonic")

	m, err = GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	if err := k.Save(m, passphrase); err != nil {
		return nil, err
	}

	// Read back so a write that cannot be decrypted is caught now.
	m, err = k.Load(passphrase)
	if err != nil {
		return nil, fmt.Errorf("verify new keystore: %w", err)
	}

	k.logger.WithField("path", k.path).Info("new wallet created and saved")
	return m, nil
}

// Load reads and decrypts the blob.
func (k *Keystore) Load(passphrase []byte) (*Mnemonic, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeystoreNotFound
		}
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrCorruptKeystore)
	}

	var blob EncryptedMnemonic
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptKeystore, err)
	}

	plaintext, err := Decrypt(&blob, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)

	phrase := string(plaintext)
	if !bip39.IsMnemonicValid(phrase) {
		return nil, fmt.Errorf("%w: decrypted data is not a BIP-39 mnemonic", ErrCorruptKeystore)
	}
	return &Mnemonic{phrase: phrase}, nil
}

// Save encrypts m under a fresh salt and nonce and writes it with 0600 permissions.
// The file is replaced atomically.
func (k *Keystore) Save(m *Mnemonic, passphrase []byte) error {
	plaintext := []byte(m.Phrase())
	defer clear(plaintext)

	blob, err := Encrypt(plaintext, passphrase)
	if err != nil {
		return err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mnemonic-*")
	if err != nil {
		return fmt.Errorf("create temp keystore: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keystore: %w", err)
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		return fmt.Errorf("install keystore: %w", err)
	}
	return nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under a PBKDF2-derived key.
// A new random salt and nonce are drawn on every call.
func Encrypt(plaintext, passphrase []byte) (*EncryptedMnemonic, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key := deriveCipherKey(passphrase, salt)
	defer clear(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &EncryptedMnemonic{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		Salt:       salt,
	}, nil
}

// Decrypt opens blob. Authentication failure is reported as ErrWrongPassphrase.
func Decrypt(blob *EncryptedMnemonic, passphrase []byte) ([]byte, error) {
	if len(blob.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrCorruptKeystore, len(blob.Nonce))
	}
	if len(blob.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", ErrCorruptKeystore)
	}
	if len(blob.Ciphertext) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorruptKeystore)
	}

	key := deriveCipherKey(passphrase, blob.Salt)
	defer clear(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func deriveCipherKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
}
