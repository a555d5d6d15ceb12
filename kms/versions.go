package kms

import (
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/xmdhs/kmsd/codec"
	"github.com/xmdhs/kmsd/crypto"
)

// responseMagic is the big-endian constant between the two body lengths of
// every response envelope.
const responseMagic = 0x00000200

var padding = codec.Map(codec.Value("bodyLength1"), Padding)

var v4RequestStructure = codec.MustNew("V4Request",
	codec.Uint32LE("bodyLength1").Derived(codec.Len("request").Plus(16)),
	codec.Uint32LE("bodyLength2").Derived(codec.Len("request").Plus(16)),
	codec.Bytes("request", codec.Value("bodyLength1").Minus(16)),
	codec.Bytes("hash", codec.Const(16)),
	codec.Remainder("padding"),
)

var v4ResponseStructure = codec.MustNew("V4Response",
	codec.Uint32LE("bodyLength1").Derived(codec.Len("response").Plus(16)),
	codec.Uint32BE("unknown"),
	codec.Uint32LE("bodyLength2").Derived(codec.Len("response").Plus(16)),
	codec.Bytes("response", codec.Value("bodyLength1").Minus(16)),
	codec.Bytes("hash", codec.Const(16)),
	codec.Pad("padding", padding),
)

// The V5/V6 message is the encrypted request; its first block doubles as
// the CBC IV.
var v5RequestStructure = codec.MustNew("V5Request",
	codec.Uint32LE("bodyLength1").Derived(codec.Len("message").Plus(4)),
	codec.Uint32LE("bodyLength2").Derived(codec.Len("message").Plus(4)),
	codec.Uint16LE("versionMinor"),
	codec.Uint16LE("versionMajor"),
	codec.Bytes("message", codec.Value("bodyLength1").Minus(4)),
	codec.Remainder("padding"),
)

var v5ResponseStructure = codec.MustNew("V5Response",
	codec.Uint32LE("bodyLength1").Derived(codec.Len("encrypted").Plus(20)),
	codec.Uint32BE("unknown"),
	codec.Uint32LE("bodyLength2").Derived(codec.Len("encrypted").Plus(20)),
	codec.Uint16LE("versionMinor"),
	codec.Uint16LE("versionMajor"),
	codec.Bytes("iv", codec.Const(16)),
	codec.Bytes("encrypted", codec.Value("bodyLength1").Minus(20)),
	codec.Pad("padding", padding),
)

// Plaintext layouts inside the encrypted part of V5/V6 messages.
var (
	encryptedRequestStructure = codec.MustNew("EncryptedRequest",
		codec.Bytes("salt", codec.Const(16)),
		codec.Remainder("request"),
	)
	v5ResponseBodyStructure = codec.MustNew("V5ResponseBody",
		codec.Struct("response", responseStructure),
		codec.Bytes("randomStuff", codec.Const(16)),
		codec.Bytes("hash", codec.Const(32)),
	)
	v6MessageStructure = codec.MustNew("V6Message",
		codec.Struct("response", responseStructure),
		codec.Bytes("randomStuff", codec.Const(16)),
		codec.Bytes("hash", codec.Const(32)),
		codec.Bytes("hwid", codec.Const(8)),
		codec.Bytes("xorSalts", codec.Const(16)),
	)
)

// exchange carries request state a handler needs again to build its
// response.
type exchange struct {
	versionMinor  uint16
	versionMajor  uint16
	salt          []byte
	decryptedSalt []byte
	requestTime   uint64
}

type versionHandler interface {
	decodeRequest(payload []byte) (*Request, exchange, error)
	buildResponse(resp *Response, ex exchange, p *Policy) ([]byte, error)
}

var handlers = map[uint16]versionHandler{
	4: v4Handler{},
	5: aesHandler{version: 5, block: crypto.V5Cipher},
	6: aesHandler{version: 6, block: crypto.V6Cipher},
}

func handlerFor(major uint16) versionHandler {
	if h, ok := handlers[major]; ok {
		return h
	}
	return unsupported{major: major}
}

type unsupported struct {
	major uint16
}

func (u unsupported) decodeRequest([]byte) (*Request, exchange, error) {
	return nil, exchange{}, fmt.Errorf("V%d: %w", u.major, ErrUnsupportedVersion)
}

func (u unsupported) buildResponse(*Response, exchange, *Policy) ([]byte, error) {
	return nil, fmt.Errorf("V%d: %w", u.major, ErrUnsupportedVersion)
}

type v4Handler struct{}

func (v4Handler) decodeRequest(payload []byte) (*Request, exchange, error) {
	rec, _, err := v4RequestStructure.Unmarshal(payload)
	if err != nil {
		return nil, exchange{}, err
	}
	req, err := ParseRequest(rec.Bytes("request"))
	if err != nil {
		return nil, exchange{}, err
	}
	return req, exchange{
		versionMinor: req.VersionMinor,
		versionMajor: req.VersionMajor,
		requestTime:  req.RequestTime,
	}, nil
}

func (v4Handler) buildResponse(resp *Response, _ exchange, _ *Policy) ([]byte, error) {
	body, err := resp.Marshal()
	if err != nil {
		return nil, err
	}
	return v4ResponseStructure.Marshal(codec.Record{
		"unknown":  uint32(responseMagic),
		"response": body,
		"hash":     crypto.V4Hash(body),
	})
}

type aesHandler struct {
	version uint16
	block   func() cipher.Block
}

func (h aesHandler) decodeRequest(payload []byte) (*Request, exchange, error) {
	rec, _, err := v5RequestStructure.Unmarshal(payload)
	if err != nil {
		return nil, exchange{}, err
	}
	message := rec.Bytes("message")
	if len(message) < 16 {
		return nil, exchange{}, fmt.Errorf("V%d message of %d bytes: %w", h.version, len(message), codec.ErrMalformed)
	}
	salt := message[:16]

	plain, err := crypto.DecryptCBC(h.block(), salt, message)
	if err != nil {
		return nil, exchange{}, fmt.Errorf("V%d decrypt: %w", h.version, err)
	}
	if plain, err = crypto.PKCS7Unpad(plain); err != nil {
		return nil, exchange{}, fmt.Errorf("V%d decrypt: %w", h.version, err)
	}

	inner, _, err := encryptedRequestStructure.Unmarshal(plain)
	if err != nil {
		return nil, exchange{}, err
	}
	req, err := ParseRequest(inner.Bytes("request"))
	if err != nil {
		return nil, exchange{}, err
	}
	return req, exchange{
		versionMinor:  rec.Uint16("versionMinor"),
		versionMajor:  rec.Uint16("versionMajor"),
		salt:          salt,
		decryptedSalt: inner.Bytes("salt"),
		requestTime:   req.RequestTime,
	}, nil
}

func (h aesHandler) buildResponse(resp *Response, ex exchange, p *Policy) ([]byte, error) {
	randomSalt := crypto.RandomSalt()
	hash := sha256.Sum256(randomSalt)

	xorSalts := make([]byte, 16)
	subtle.XORBytes(xorSalts, ex.salt, ex.decryptedSalt)
	randomStuff := make([]byte, 16)
	subtle.XORBytes(randomStuff, xorSalts, randomSalt)

	var (
		plain []byte
		iv    []byte
		err   error
	)
	if h.version == 5 {
		iv = ex.salt
		plain, err = v5ResponseBodyStructure.Marshal(codec.Record{
			"response":    resp,
			"randomStuff": randomStuff,
			"hash":        hash[:],
		})
		if err != nil {
			return nil, err
		}
	} else {
		message, err := v6MessageStructure.Marshal(codec.Record{
			"response":    resp,
			"randomStuff": randomStuff,
			"hash":        hash[:],
			"hwid":        p.HWID[:],
			"xorSalts":    xorSalts,
		})
		if err != nil {
			return nil, err
		}

		iv = crypto.RandomSalt()
		mac, err := v6MAC(h.block(), iv, ex.requestTime, message)
		if err != nil {
			return nil, err
		}
		plain = append(message, mac...)
	}

	encrypted, err := crypto.EncryptCBC(h.block(), iv, crypto.PKCS7Pad(plain, 16))
	if err != nil {
		return nil, fmt.Errorf("V%d encrypt: %w", h.version, err)
	}
	return v5ResponseStructure.Marshal(codec.Record{
		"unknown":      uint32(responseMagic),
		"versionMinor": ex.versionMinor,
		"versionMajor": ex.versionMajor,
		"iv":           iv,
		"encrypted":    encrypted,
	})
}

// v6MAC authenticates a V6 response message: HMAC-SHA256 keyed from the
// request time over (SaltS ^ D(SaltS)) followed by the message, truncated
// to its last 16 bytes.
func v6MAC(b cipher.Block, saltS []byte, requestTime uint64, message []byte) ([]byte, error) {
	dsaltS, err := crypto.DecryptCBC(b, saltS, saltS)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16, 16+len(message))
	subtle.XORBytes(data, saltS, dsaltS)
	data = append(data, message...)

	digest := crypto.V6HMAC(crypto.V6MACKey(requestTime), data)
	return digest[16:], nil
}
