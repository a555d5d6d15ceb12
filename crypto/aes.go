// Package crypto holds the ciphers and MACs of the KMS protocol: AES-128 for
// V5, the round-patched AES-128 of V6, and the 160-bit key Rijndael CMAC
// used to sign V4 messages.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBlockSize = errors.New("crypto: input is not a multiple of the block size")
	ErrPadding   = errors.New("crypto: invalid PKCS7 padding")
)

// V5Key is the AES key of protocol version 5.
var V5Key = []byte{0xCD, 0x7E, 0x79, 0x6F, 0x2A, 0xB2, 0x5D, 0xCB, 0x55, 0xFF, 0xC8, 0xEF, 0x83, 0x64, 0xC4, 0x70}

// V6Key is the AES key of protocol version 6.
var V6Key = []byte{0xA9, 0x4A, 0x41, 0x95, 0xE2, 0x01, 0x43, 0x2D, 0x9B, 0xCB, 0x46, 0x04, 0x05, 0xD8, 0x4A, 0x21}

// V4Key is the 160-bit key of the V4 message hash.
var V4Key = []byte{0x05, 0x3D, 0x83, 0x07, 0xF9, 0xE5, 0xF0, 0x88, 0xEB, 0x5E, 0xA6, 0x68, 0x6C, 0xF0, 0x37, 0xC7, 0xE4, 0xEF, 0xD2, 0xD6}

// XOR applied to the first state byte after MixColumns of rounds 4, 6 and 8.
var v6Patches = &[16]byte{4: 0x73, 6: 0x09, 8: 0xE4}

var (
	v5Cipher = sync.OnceValue(func() cipher.Block {
		b, err := aes.NewCipher(V5Key)
		if err != nil {
			panic(err)
		}
		return b
	})
	v6Cipher = sync.OnceValue(func() cipher.Block {
		return newRijndael(V6Key, 10, v6Patches)
	})
	v4Cipher = sync.OnceValue(func() cipher.Block {
		return newRijndael(V4Key, 11, nil)
	})
)

// V5Cipher returns the block cipher of protocol version 5.
func V5Cipher() cipher.Block { return v5Cipher() }

// V6Cipher returns the block cipher of protocol version 6.
func V6Cipher() cipher.Block { return v6Cipher() }

// V4Cipher returns the 11-round Rijndael keyed with V4Key.
func V4Cipher() cipher.Block { return v4Cipher() }

// EncryptCBC encrypts already padded data.
func EncryptCBC(b cipher.Block, iv, data []byte) ([]byte, error) {
	if err := checkCBC(b, iv, data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC decrypts data without removing padding.
func DecryptCBC(b cipher.Block, iv, data []byte) ([]byte, error) {
	if err := checkCBC(b, iv, data); err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out, nil
}

func checkCBC(b cipher.Block, iv, data []byte) error {
	if len(iv) != b.BlockSize() {
		return fmt.Errorf("crypto: iv length %d, want %d", len(iv), b.BlockSize())
	}
	if len(data)%b.BlockSize() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrBlockSize, len(data))
	}
	return nil
}

// PKCS7Pad returns a padded copy of data.
func PKCS7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

// PKCS7Unpad strips the padding of a 16-byte block aligned buffer.
func PKCS7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockSize, len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("%w: pad length %d", ErrPadding, n)
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: inconsistent pad bytes", ErrPadding)
	}
	return data[:len(data)-n], nil
}

// V4Hash is the CMAC-like digest of V4 messages: CBC-MAC over full blocks
// with the 160-bit key, then a final block holding the tail and a 0x80
// marker. A message that is block aligned still gets a full marker block.
func V4Hash(message []byte) []byte {
	b := v4Cipher()
	var mac [16]byte

	full := len(message) &^ 15
	for off := 0; off < full; off += 16 {
		subtle.XORBytes(mac[:], mac[:], message[off:off+16])
		b.Encrypt(mac[:], mac[:])
	}

	var last [16]byte
	n := copy(last[:], message[full:])
	last[n] = 0x80
	subtle.XORBytes(mac[:], mac[:], last[:])
	b.Encrypt(mac[:], mac[:])

	return mac[:]
}

// RandomSalt returns 16 random bytes.
func RandomSalt() []byte {
	salt := make([]byte, 16)
	rand.Read(salt)
	return salt
}

// V6MACKey derives the V6 HMAC key from the request FILETIME.
func V6MACKey(requestTime uint64) []byte {
	const (
		c1 = 0x00000022816889BD
		c2 = 0x000000208CBAB5ED
		c3 = 0x3156CD5AC628477A
	)
	seed := requestTime/c1*c2 + c3

	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], seed)
	digest := sha256.Sum256(le[:])
	return digest[16:]
}

// V6HMAC is HMAC-SHA256 of data under macKey.
func V6HMAC(macKey, data []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(data)
	return m.Sum(nil)
}
