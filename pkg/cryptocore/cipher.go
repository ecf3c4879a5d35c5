package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrDecryptFailed is returned for any ciphertext that does not
// authenticate or unpad under the supplied key. The message is
// deliberately uniform so it cannot serve as a decryption oracle.
var ErrDecryptFailed = errors.New("cryptocore: decryption failed")

// Envelope carries one encrypted payload together with the material
// needed to reverse it (except the key). Salt and IV are fresh per
// call and never reused.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	MAC        []byte `json:"mac"`
}

// Encrypt encrypts plaintext with AES-256-CBC and PKCS7 padding. The
// envelope carries an encrypt-then-MAC tag over IV and ciphertext so
// Decrypt can reject a wrong key outright instead of returning garbage
// that happens to unpad.
func Encrypt(plaintext, key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encrypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	salt, err := randBytes(saltSize)
	if err != nil {
		return nil, err
	}
	iv, err := randBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	env := &Envelope{
		Ciphertext: ciphertext,
		IV:         iv,
		Salt:       salt,
		Iterations: DefaultIterations,
	}
	env.MAC = envelopeMAC(env, key)
	return env, nil
}

// Decrypt is the exact inverse of Encrypt. It fails with
// ErrDecryptFailed when the key or ciphertext is wrong.
func Decrypt(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptFailed
	}
	if len(key) != KeySize || len(env.IV) != aes.BlockSize {
		return nil, ErrDecryptFailed
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailed
	}
	if !hmac.Equal(env.MAC, envelopeMAC(env, key)) {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	padded := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.IV).CryptBlocks(padded, env.Ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func envelopeMAC(env *Envelope, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(env.Salt)
	mac.Write(env.IV)
	mac.Write(env.Ciphertext)
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
