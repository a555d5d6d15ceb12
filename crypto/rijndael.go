package crypto

// rijndael is a 128-bit block Rijndael with a configurable key length and
// round count, optionally XOR-patching the state between MixColumns and
// AddRoundKey. crypto/aes exposes neither, hence the table implementation.
//
// The state is kept transposed: byte (row r, column c) lives at index 4r+c.
type rijndael struct {
	keys   [][16]byte
	rounds int
	patch  *[16]byte
}

func newRijndael(key []byte, rounds int, patch *[16]byte) *rijndael {
	expanded := expandKey(key, 16*(rounds+1))
	keys := make([][16]byte, rounds+1)
	for r := range keys {
		keys[r] = transpose(expanded[16*r : 16*r+16])
	}
	return &rijndael{keys: keys, rounds: rounds, patch: patch}
}

func (c *rijndael) BlockSize() int { return 16 }

func (c *rijndael) Encrypt(dst, src []byte) {
	s := transpose(src)
	s.addRoundKey(&c.keys[0])
	for r := 1; r < c.rounds; r++ {
		s.subBytes(&sbox)
		s.shiftRows()
		s.mixColumns()
		if c.patch != nil {
			s[0] ^= c.patch[r]
		}
		s.addRoundKey(&c.keys[r])
	}
	s.subBytes(&sbox)
	s.shiftRows()
	s.addRoundKey(&c.keys[c.rounds])
	s.store(dst)
}

func (c *rijndael) Decrypt(dst, src []byte) {
	s := transpose(src)
	s.addRoundKey(&c.keys[c.rounds])
	for r := c.rounds - 1; r > 0; r-- {
		s.invShiftRows()
		s.subBytes(&rsbox)
		s.addRoundKey(&c.keys[r])
		if c.patch != nil {
			s[0] ^= c.patch[r]
		}
		s.invMixColumns()
	}
	s.invShiftRows()
	s.subBytes(&rsbox)
	s.addRoundKey(&c.keys[0])
	s.store(dst)
}

type block [16]byte

func transpose(in []byte) block {
	var s block
	for c := range 4 {
		for r := range 4 {
			s[4*r+c] = in[4*c+r]
		}
	}
	return s
}

func (s *block) store(out []byte) {
	for c := range 4 {
		for r := range 4 {
			out[4*c+r] = s[4*r+c]
		}
	}
}

func (s *block) addRoundKey(k *[16]byte) {
	for i := range s {
		s[i] ^= k[i]
	}
}

func (s *block) subBytes(box *[256]byte) {
	for i := range s {
		s[i] = box[s[i]]
	}
}

func (s *block) shiftRows() {
	s[4], s[5], s[6], s[7] = s[5], s[6], s[7], s[4]
	s[8], s[9], s[10], s[11] = s[10], s[11], s[8], s[9]
	s[12], s[13], s[14], s[15] = s[15], s[12], s[13], s[14]
}

func (s *block) invShiftRows() {
	s[4], s[5], s[6], s[7] = s[7], s[4], s[5], s[6]
	s[8], s[9], s[10], s[11] = s[10], s[11], s[8], s[9]
	s[12], s[13], s[14], s[15] = s[13], s[14], s[15], s[12]
}

func (s *block) mixColumns() {
	for c := range 4 {
		a0, a1, a2, a3 := s[c], s[c+4], s[c+8], s[c+12]
		s[c] = gmul2[a0] ^ gmul3[a1] ^ a2 ^ a3
		s[c+4] = a0 ^ gmul2[a1] ^ gmul3[a2] ^ a3
		s[c+8] = a0 ^ a1 ^ gmul2[a2] ^ gmul3[a3]
		s[c+12] = gmul3[a0] ^ a1 ^ a2 ^ gmul2[a3]
	}
}

func (s *block) invMixColumns() {
	for c := range 4 {
		a0, a1, a2, a3 := s[c], s[c+4], s[c+8], s[c+12]
		s[c] = gmul14[a0] ^ gmul11[a1] ^ gmul13[a2] ^ gmul9[a3]
		s[c+4] = gmul9[a0] ^ gmul14[a1] ^ gmul11[a2] ^ gmul13[a3]
		s[c+8] = gmul13[a0] ^ gmul9[a1] ^ gmul14[a2] ^ gmul11[a3]
		s[c+12] = gmul11[a0] ^ gmul13[a1] ^ gmul9[a2] ^ gmul14[a3]
	}
}

// expandKey runs the Rijndael key schedule for any key length up to 32
// bytes, producing size bytes of round key material.
func expandKey(key []byte, size int) []byte {
	nk := len(key)
	out := make([]byte, size)
	copy(out, key)

	rc := byte(1)
	for n := nk; n < size; n += 4 {
		var t [4]byte
		copy(t[:], out[n-4:n])
		switch {
		case n%nk == 0:
			t = [4]byte{sbox[t[1]] ^ rc, sbox[t[2]], sbox[t[3]], sbox[t[0]]}
			rc = xtime(rc)
		case nk == 32 && n%nk == 16:
			t = [4]byte{sbox[t[0]], sbox[t[1]], sbox[t[2]], sbox[t[3]]}
		}
		for i := range 4 {
			out[n+i] = out[n-nk+i] ^ t[i]
		}
	}
	return out
}

func xtime(b byte) byte {
	if b&0x80 != 0 {
		return b<<1 ^ 0x1b
	}
	return b << 1
}

func gfMul(a, b byte) byte {
	var p byte
	for ; b != 0; b >>= 1 {
		if b&1 != 0 {
			p ^= a
		}
		a = xtime(a)
	}
	return p
}

func mulTable(m byte) *[256]byte {
	var t [256]byte
	for i := range t {
		t[i] = gfMul(byte(i), m)
	}
	return &t
}

var (
	gmul2  = mulTable(2)
	gmul3  = mulTable(3)
	gmul9  = mulTable(9)
	gmul11 = mulTable(11)
	gmul13 = mulTable(13)
	gmul14 = mulTable(14)
)

var sbox = [256]byte{
	0x63, 0x7c, 0x77, 0x7b, 0xf2, 0x6b, 0x6f, 0xc5, 0x30, 0x01, 0x67, 0x2b, 0xfe, 0xd7, 0xab, 0x76,
	0xca, 0x82, 0xc9, 0x7d, 0xfa, 0x59, 0x47, 0xf0, 0xad, 0xd4, 0xa2, 0xaf, 0x9c, 0xa4, 0x72, 0xc0,
	0xb7, 0xfd, 0x93, 0x26, 0x36, 0x3f, 0xf7, 0xcc, 0x34, 0xa5, 0xe5, 0xf1, 0x71, 0xd8, 0x31, 0x15,
	0x04, 0xc7, 0x23, 0xc3, 0x18, 0x96, 0x05, 0x9a, 0x07, 0x12, 0x80, 0xe2, 0xeb, 0x27, 0xb2, 0x75,
	0x09, 0x83, 0x2c, 0x1a, 0x1b, 0x6e, 0x5a, 0xa0, 0x52, 0x3b, 0xd6, 0xb3, 0x29, 0xe3, 0x2f, 0x84,
	0x53, 0xd1, 0x00, 0xed, 0x20, 0xfc, 0xb1, 0x5b, 0x6a, 0xcb, 0xbe, 0x39, 0x4a, 0x4c, 0x58, 0xcf,
	0xd0, 0xef, 0xaa, 0xfb, 0x43, 0x4d, 0x33, 0x85, 0x45, 0xf9, 0x02, 0x7f, 0x50, 0x3c, 0x9f, 0xa8,
	0x51, 0xa3, 0x40, 0x8f, 0x92, 0x9d, 0x38, 0xf5, 0xbc, 0xb6, 0xda, 0x21, 0x10, 0xff, 0xf3, 0xd2,
	0xcd, 0x0c, 0x13, 0xec, 0x5f, 0x97, 0x44, 0x17, 0xc4, 0xa7, 0x7e, 0x3d, 0x64, 0x5d, 0x19, 0x73,
	0x60, 0x81, 0x4f, 0xdc, 0x22, 0x2a, 0x90, 0x88, 0x46, 0xee, 0xb8, 0x14, 0xde, 0x5e, 0x0b, 0xdb,
	0xe0, 0x32, 0x3a, 0x0a, 0x49, 0x06, 0x24, 0x5c, 0xc2, 0xd3, 0xac, 0x62, 0x91, 0x95, 0xe4, 0x79,
	0xe7, 0xc8, 0x37, 0x6d, 0x8d, 0xd5, 0x4e, 0xa9, 0x6c, 0x56, 0xf4, 0xea, 0x65, 0x7a, 0xae, 0x08,
	0xba, 0x78, 0x25, 0x2e, 0x1c, 0xa6, 0xb4, 0xc6, 0xe8, 0xdd, 0x74, 0x1f, 0x4b, 0xbd, 0x8b, 0x8a,
	0x70, 0x3e, 0xb5, 0x66, 0x48, 0x03, 0xf6, 0x0e, 0x61, 0x35, 0x57, 0xb9, 0x86, 0xc1, 0x1d, 0x9e,
	0xe1, 0xf8, 0x98, 0x11, 0x69, 0xd9, 0x8e, 0x94, 0x9b, 0x1e, 0x87, 0xe9, 0xce, 0x55, 0x28, 0xdf,
	0x8c, 0xa1, 0x89, 0x0d, 0xbf, 0xe6, 0x42, 0x68, 0x41, 0x99, 0x2d, 0x0f, 0xb0, 0x54, 0xbb, 0x16,
}

var rsbox = func() [256]byte {
	var inv [256]byte
	for i, v := range sbox {
		inv[v] = byte(i)
	}
	return inv
}()
