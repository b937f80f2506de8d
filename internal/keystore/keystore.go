// Package keystore stores the wallet seed phrase encrypted on disk.
// Only Argon2id + AES-256-GCM is supported.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"

	"github.com/Klingon-tech/satsend/internal/chain"
	"github.com/Klingon-tech/satsend/internal/wallet"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
	"github.com/Klingon-tech/satsend/pkg/helpers"
)

// FileName is the keystore file inside the data directory.
const FileName = "seed.json"

const (
	argon2KeyLen  = 32 // Output key length for AES-256
	argon2SaltLen = 32
	formatVersion = 1
)

var (
	ErrWrongPassword = walleterr.New("WRONG_PASSWORD", "wrong password or corrupted keystore")
	ErrExists        = walleterr.New("KEYSTORE_EXISTS", "keystore already exists")
	ErrNotFound      = walleterr.New("KEYSTORE_NOT_FOUND", "keystore not found")
)

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDFParams follow the OWASP recommendation: 3 passes over 64 MiB.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Parallelism: 4}
}

// EncryptedSeed is the on-disk form of an encrypted seed phrase.
type EncryptedSeed struct {
	Version    int           `json:"version"`
	Network    chain.Network `json:"network"`
	Ciphertext []byte        `json:"ciphertext"`
	Salt       []byte        `json:"salt"`
	Nonce      []byte        `json:"nonce"`
	KDF        KDFParams     `json:"kdf"`
}

// Encrypt seals seed under password.
func Encrypt(seed wallet.SeedPhrase, password string, network chain.Network, params KDFParams) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, walleterr.Wrap(walleterr.ErrInvalidInput, err)
	}
	if !seed.Valid() {
		return nil, walleterr.ErrInvalidSeed
	}

	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}

	nonce, err := helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext := []byte(string(seed))
	defer helpers.ZeroBytes(plaintext)

	return &EncryptedSeed{
		Version:    formatVersion,
		Network:    network,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte(network)),
		Salt:       salt,
		Nonce:      nonce,
		KDF:        params,
	}, nil
}

// Decrypt opens an encrypted seed. The network is authenticated as
// associated data, so a tampered network tag fails like a wrong password.
func Decrypt(encrypted *EncryptedSeed, password string) (wallet.SeedPhrase, error) {
	if encrypted.Version != formatVersion {
		return "", fmt.Errorf("unsupported keystore version %d", encrypted.Version)
	}

	gcm, err := newGCM(password, encrypted.Salt, encrypted.KDF)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, []byte(encrypted.Network))
	if err != nil {
		return "", ErrWrongPassword
	}
	defer helpers.ZeroBytes(plaintext)

	return wallet.SeedPhrase(plaintext), nil
}

func newGCM(password string, salt []byte, params KDFParams) (cipher.AEAD, error) {
	if params.Time == 0 || params.Memory == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid KDF parameters %+v", params)
	}

	// Derive key using Argon2id (resistant to side-channel and GPU attacks)
	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Parallelism, argon2KeyLen)
	defer helpers.ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Keystore is an encrypted seed file.
type Keystore struct {
	path   string
	params KDFParams
}

// New returns the keystore in dataDir.
func New(dataDir string, params KDFParams) *Keystore {
	return &Keystore{path: filepath.Join(dataDir, FileName), params: params}
}

// Path returns the keystore file path.
func (k *Keystore) Path() string {
	return k.path
}

// Exists reports whether the keystore file is present.
func (k *Keystore) Exists() bool {
	_, err := os.Stat(k.path)
	return err == nil
}

// Create encrypts seed and writes it. An existing keystore is never
// overwritten.
func (k *Keystore) Create(seed wallet.SeedPhrase, password string, network chain.Network) error {
	if err := ValidateFilePath(k.path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if k.Exists() {
		return ErrExists
	}

	encrypted, err := Encrypt(seed, password, network, k.params)
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(encrypted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	f, err := os.OpenFile(k.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create keystore: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return f.Close()
}

// Load reads the encrypted seed without decrypting it.
func (k *Keystore) Load() (*EncryptedSeed, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var encrypted EncryptedSeed
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore: %w", err)
	}
	return &encrypted, nil
}

// Unlock decrypts the seed and returns it with the network it was created for.
func (k *Keystore) Unlock(password string) (wallet.SeedPhrase, chain.Network, error) {
	encrypted, err := k.Load()
	if err != nil {
		return "", "", err
	}
	seed, err := Decrypt(encrypted, password)
	if err != nil {
		return "", "", err
	}
	return seed, encrypted.Network, nil
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}

// ValidateFilePath rejects empty, non-UTF-8 and relative traversal paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}

	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}

	return nil
}
