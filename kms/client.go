package kms

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/xmdhs/kmsd/codec"
	"github.com/xmdhs/kmsd/crypto"
)

var ErrVerification = errors.New("kms: response verification failed")

// ClientExchange is the client half of one request/response round trip.
type ClientExchange struct {
	ex exchange
}

// ClientResult is a verified response. HWID is only sent by V6 hosts.
type ClientResult struct {
	Response *Response
	HWID     []byte
}

// EncodeRequest wraps req in the envelope of req.VersionMajor.
func EncodeRequest(req *Request) ([]byte, *ClientExchange, error) {
	body, err := req.Marshal()
	if err != nil {
		return nil, nil, err
	}
	c := &ClientExchange{ex: exchange{
		versionMinor: req.VersionMinor,
		versionMajor: req.VersionMajor,
		requestTime:  req.RequestTime,
	}}

	switch h := handlerFor(req.VersionMajor).(type) {
	case v4Handler:
		out, err := v4RequestStructure.Marshal(codec.Record{
			"request": body,
			"hash":    crypto.V4Hash(body),
			"padding": make([]byte, Padding(len(body)+16)),
		})
		return out, c, err

	case aesHandler:
		// The first ciphertext block must equal the salt, so the plaintext
		// starts with D(salt) ^ salt.
		b := h.block()
		salt := crypto.RandomSalt()
		dsalt, err := crypto.DecryptCBC(b, salt, salt)
		if err != nil {
			return nil, nil, err
		}
		plain := append(dsalt, body...)
		message, err := crypto.EncryptCBC(b, salt, crypto.PKCS7Pad(plain, 16))
		if err != nil {
			return nil, nil, err
		}
		c.ex.salt = salt
		c.ex.decryptedSalt = dsalt

		out, err := v5RequestStructure.Marshal(codec.Record{
			"versionMinor": req.VersionMinor,
			"versionMajor": req.VersionMajor,
			"message":      message,
			"padding":      make([]byte, Padding(len(message)+4)),
		})
		return out, c, err

	default:
		return nil, nil, fmt.Errorf("V%d: %w", req.VersionMajor, ErrUnsupportedVersion)
	}
}

// DecodeResponse checks the integrity data of a response payload and
// returns the response it carries.
func (c *ClientExchange) DecodeResponse(payload []byte) (*ClientResult, error) {
	switch h := handlerFor(c.ex.versionMajor).(type) {
	case v4Handler:
		rec, _, err := v4ResponseStructure.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		body := rec.Bytes("response")
		if !bytes.Equal(crypto.V4Hash(body), rec.Bytes("hash")) {
			return nil, fmt.Errorf("%w: V4 hash mismatch", ErrVerification)
		}
		resp, _, err := ParseResponse(body)
		if err != nil {
			return nil, err
		}
		return &ClientResult{Response: resp}, nil

	case aesHandler:
		return c.decodeAES(h, payload)

	default:
		return nil, fmt.Errorf("V%d: %w", c.ex.versionMajor, ErrUnsupportedVersion)
	}
}

func (c *ClientExchange) decodeAES(h aesHandler, payload []byte) (*ClientResult, error) {
	rec, _, err := v5ResponseStructure.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	iv := rec.Bytes("iv")
	if h.version == 5 && !bytes.Equal(iv, c.ex.salt) {
		return nil, fmt.Errorf("%w: V5 iv does not echo the request salt", ErrVerification)
	}

	plain, err := crypto.DecryptCBC(h.block(), iv, rec.Bytes("encrypted"))
	if err != nil {
		return nil, err
	}
	if plain, err = crypto.PKCS7Unpad(plain); err != nil {
		return nil, err
	}

	structure := v5ResponseBodyStructure
	if h.version == 6 {
		structure = v6MessageStructure
	}
	body, n, err := structure.Unmarshal(plain)
	if err != nil {
		return nil, err
	}

	xorSalts := make([]byte, 16)
	subtle.XORBytes(xorSalts, c.ex.salt, c.ex.decryptedSalt)
	randomSalt := make([]byte, 16)
	subtle.XORBytes(randomSalt, body.Bytes("randomStuff"), xorSalts)
	hash := sha256.Sum256(randomSalt)
	if !bytes.Equal(hash[:], body.Bytes("hash")) {
		return nil, fmt.Errorf("%w: V%d salt hash mismatch", ErrVerification, h.version)
	}

	resp, _, err := ParseResponse(plain[:n])
	if err != nil {
		return nil, err
	}
	res := &ClientResult{Response: resp}
	if h.version == 5 {
		return res, nil
	}

	if !bytes.Equal(body.Bytes("xorSalts"), xorSalts) {
		return nil, fmt.Errorf("%w: V6 salt mismatch", ErrVerification)
	}
	mac, err := v6MAC(h.block(), iv, c.ex.requestTime, plain[:n])
	if err != nil {
		return nil, err
	}
	if len(plain) != n+16 || !bytes.Equal(mac, plain[n:]) {
		return nil, fmt.Errorf("%w: V6 HMAC mismatch", ErrVerification)
	}
	res.HWID = body.Bytes("hwid")
	return res, nil
}
