package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// legacyHeaderSize is salt || iv, the fixed prefix of a legacy frame.
const legacyHeaderSize = SaltSize + IVSize

var (
	errShortFrame = errors.New("frame too short")
	errPadding    = errors.New("invalid padding")
)

// encryptLegacy produces base64(salt || iv || AES-256-CBC-PKCS7(plaintext)).
func (c *Codec) encryptLegacy(plaintext []byte) (string, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	frame := make([]byte, legacyHeaderSize+len(padded))
	header := frame[:legacyHeaderSize]
	if err := c.fill(header); err != nil {
		return "", err
	}
	salt, iv := header[:SaltSize], header[SaltSize:]

	key, err := DeriveKey(c.masterKey, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(frame[legacyHeaderSize:], padded)
	return base64.StdEncoding.EncodeToString(frame), nil
}

// decryptLegacy parses and decrypts a legacy frame.
func (c *Codec) decryptLegacy(blob string) ([]byte, error) {
	frame, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	if len(frame) < legacyHeaderSize {
		return nil, errShortFrame
	}

	salt := frame[:SaltSize]
	iv := frame[SaltSize:legacyHeaderSize]
	ciphertext := frame[legacyHeaderSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errShortFrame
	}

	key, err := DeriveKey(c.masterKey, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errPadding
	}
	want := bytes.Repeat([]byte{byte(n)}, n)
	if subtle.ConstantTimeCompare(data[len(data)-n:], want) != 1 {
		return nil, errPadding
	}
	return data[:len(data)-n], nil
}
