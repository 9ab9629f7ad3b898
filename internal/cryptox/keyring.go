package cryptox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/sidecar"
)

// Sidecar keys holding key material outside the main database.
const (
	keyMaterialKey = "crypto.key"
	saltKey        = "crypto.salt"
	verifierKey    = "crypto.verifier"
)

// ErrWrongPassword is returned when a supplied password does not match the
// persisted verifier.
var ErrWrongPassword = errors.New("wrong password")

// keyHeader is the persisted envelope for generated (non-password) keys.
type keyHeader struct {
	Version   int       `json:"version"`
	Algorithm string    `json:"algorithm"`
	Key       string    `json:"key"` // base64
	CreatedAt time.Time `json:"createdAt"`
}

// LoadOrCreate resolves the vault key. With a nil password the key is
// generated once and persisted in the sidecar; with a password only a random
// salt and a key verifier are persisted and the key is re-derived on every
// open. Switching an existing vault between the two modes is rejected.
func LoadOrCreate(sc *sidecar.Store, password []byte) (*Service, error) {
	if len(password) > 0 {
		return loadDerived(sc, password)
	}
	return loadGenerated(sc)
}

func loadGenerated(sc *sidecar.Store) (*Service, error) {
	if sc.Has(saltKey) {
		return nil, fmt.Errorf("cryptox: vault is password-protected, password required")
	}

	raw, err := sc.Get(keyMaterialKey)
	if errors.Is(err, common.ErrNotFound) {
		key := GenerateKey()
		hdr := keyHeader{
			Version:   1,
			Algorithm: "aes-256-gcm",
			Key:       base64.StdEncoding.EncodeToString(key),
			CreatedAt: time.Now().UTC(),
		}
		b, err := json.Marshal(hdr)
		if err != nil {
			return nil, fmt.Errorf("cryptox: marshal key header: %w", err)
		}
		if err := sc.Put(keyMaterialKey, b); err != nil {
			return nil, err
		}
		return NewService(key)
	}
	if err != nil {
		return nil, err
	}

	var hdr keyHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("cryptox: parse key header: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(hdr.Key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decode key: %w", err)
	}
	return NewService(key)
}

func loadDerived(sc *sidecar.Store, password []byte) (*Service, error) {
	if sc.Has(keyMaterialKey) {
		return nil, fmt.Errorf("cryptox: vault uses a generated key, not a password")
	}

	salt, err := sc.Get(saltKey)
	if errors.Is(err, common.ErrNotFound) {
		salt = common.GenerateRandByteArray(SaltSize)
		key := DeriveKey(password, salt)
		if err := sc.Put(saltKey, salt); err != nil {
			return nil, err
		}
		if err := sc.Put(verifierKey, MakeVerifier(key)); err != nil {
			return nil, err
		}
		return NewService(key)
	}
	if err != nil {
		return nil, err
	}

	key := DeriveKey(password, salt)
	verifier, err := sc.Get(verifierKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(verifier, MakeVerifier(key)) {
		common.WipeByteArray(key)
		return nil, ErrWrongPassword
	}
	return NewService(key)
}
