package tenancy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const vaultInfo = "wa-concierge tenant credentials v1"

// Vault encrypts tenant secrets with a key derived from the master key and
// the tenant id.
type Vault struct {
	master []byte
}

// NewVault builds a vault. The master key must be at least 32 bytes.
func NewVault(masterKey string) (*Vault, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("tenancy: master key must be at least 32 bytes")
	}
	return &Vault{master: []byte(masterKey)}, nil
}

func (v *Vault) tenantKey(tenantID string) ([]byte, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, errors.New("tenancy: tenant id required for key derivation")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, v.master, []byte(tenantID), []byte(vaultInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("tenancy: derive key: %w", err)
	}
	return key, nil
}

func (v *Vault) aead(tenantID string) (cipher.AEAD, error) {
	key, err := v.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tenancy: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext for one tenant. Output is base64(nonce|ciphertext).
func (v *Vault) Encrypt(tenantID string, plaintext []byte) (string, error) {
	gcm, err := v.aead(tenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tenancy: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same tenant.
func (v *Vault) Decrypt(tenantID, encoded string) ([]byte, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, ErrNoCredentials
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("tenancy: decode secret: %w", err)
	}
	gcm, err := v.aead(tenantID)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("tenancy: secret too short")
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("tenancy: open secret: %w", err)
	}
	return plain, nil
}

// DecryptJSON decrypts a secret and unmarshals it into out.
func (v *Vault) DecryptJSON(tenantID, encoded string, out any) error {
	plain, err := v.Decrypt(tenantID, encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("tenancy: unmarshal secret: %w", err)
	}
	return nil
}

// EncryptJSON marshals and seals a credential struct.
func (v *Vault) EncryptJSON(tenantID string, in any) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("tenancy: marshal secret: %w", err)
	}
	return v.Encrypt(tenantID, data)
}

// Messaging decrypts the tenant's messaging credentials.
func (v *Vault) Messaging(t *Tenant) (MessagingCredentials, error) {
	var creds MessagingCredentials
	err := v.DecryptJSON(t.ID, t.MessagingCredentials, &creds)
	return creds, err
}

// AI decrypts the tenant's AI credentials.
func (v *Vault) AI(t *Tenant) (AICredentials, error) {
	var creds AICredentials
	err := v.DecryptJSON(t.ID, t.AICredentials, &creds)
	return creds, err
}

// Calendar decrypts the tenant's calendar credentials.
func (v *Vault) Calendar(t *Tenant) (CalendarCredentials, error) {
	var creds CalendarCredentials
	err := v.DecryptJSON(t.ID, t.CalendarCredentials, &creds)
	return creds, err
}

// Payment decrypts the tenant's payment link settings.
func (v *Vault) Payment(t *Tenant) (PaymentCredentials, error) {
	var creds PaymentCredentials
	err := v.DecryptJSON(t.ID, t.PaymentCredentials, &creds)
	return creds, err
}
