package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	uuid "github.com/hashicorp/go-uuid"
)

// Envelope performs encryption on arbitrary values with a fresh single-use
// AES-GCM key per operation. The key travels alongside the ciphertext in the
// EnvelopeInfo so an outer seal can wrap it.
type Envelope struct {
	envelope *envelope
	once     sync.Once
}

type envelope struct {
	source io.Reader
}

// EnvelopeInfo contains the data necessary to perform the decryption of
// some given stored encrypted data.
type EnvelopeInfo struct {
	Ciphertext []byte
	Key        []byte
	IV         []byte
}

// NewEnvelope returns an initialized Envelope struct for encryption and decryption
func NewEnvelope() *Envelope {
	return &Envelope{}
}

func (e *Envelope) init() {
	e.envelope = &envelope{
		source: rand.Reader,
	}
}

func (e *Envelope) Encrypt(plaintext, aad []byte) (*EnvelopeInfo, error) {
	defer metrics.MeasureSince([]string{"seal", "envelope", "encrypt"}, time.Now())
	e.once.Do(e.init)

	// Generate a fresh key for this one operation
	key, err := uuid.GenerateRandomBytesWithReader(32, e.envelope.source)
	if err != nil {
		return nil, err
	}
	aead, err := e.aeadEncrypter(key)
	if err != nil {
		return nil, err
	}
	iv, err := uuid.GenerateRandomBytesWithReader(aead.NonceSize(), e.envelope.source)
	if err != nil {
		return nil, err
	}
	return &EnvelopeInfo{
		Ciphertext: aead.Seal(nil, iv, plaintext, aad),
		Key:        key,
		IV:         iv,
	}, nil
}

func (e *Envelope) Decrypt(data *EnvelopeInfo, aad []byte) ([]byte, error) {
	defer metrics.MeasureSince([]string{"seal", "envelope", "decrypt"}, time.Now())
	e.once.Do(e.init)

	if data == nil {
		return nil, errors.New("nil envelope info")
	}
	aead, err := e.aeadEncrypter(data.Key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, data.IV, data.Ciphertext, aad)
}

func (e *Envelope) aeadEncrypter(key []byte) (cipher.AEAD, error) {
	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create the GCM mode AEAD
	gcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, errors.New("failed to initialize GCM mode")
	}

	return gcm, nil
}
