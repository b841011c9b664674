package parser

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"

	"github.com/wudi/epubkit/ir/raw"
)

// passPad is the standard 32-byte password padding string.
var passPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

type cryptMethod int

const (
	methodRC4 cryptMethod = iota
	methodAESV2
	methodIdentity
)

// cryptHandler implements the standard security handler, revisions 2 through
// 4. Revisions 5 and 6 (AES-256) are rejected; those files go to the
// external-converter fallback instead.
type cryptHandler struct {
	key             []byte
	method          cryptMethod
	revision        int
	encryptMetadata bool
}

func openCrypt(enc raw.Dict, fileID []byte, password string) (*cryptHandler, error) {
	if filter, _ := enc.NameVal("Filter"); filter != "Standard" {
		return nil, fmt.Errorf("%w: security filter %q", ErrEncrypted, filter)
	}
	v, _ := enc.Int("V")
	r, _ := enc.Int("R")
	if r < 2 || r > 4 || v < 1 || v > 4 {
		return nil, fmt.Errorf("%w: unsupported revision %d (V=%d)", ErrEncrypted, r, v)
	}

	oVal, ok1 := enc.StringVal("O")
	uVal, ok2 := enc.StringVal("U")
	pVal, ok3 := enc.Int("P")
	if !ok1 || !ok2 || !ok3 || len(oVal) < 32 || len(uVal) < 16 {
		return nil, fmt.Errorf("%w: malformed encryption dictionary", ErrEncrypted)
	}
	o, u := []byte(oVal)[:32], []byte(uVal)

	keyBits := int64(40)
	if n, ok := enc.Int("Length"); ok {
		keyBits = n
	}
	keyLen := int(keyBits / 8)
	if keyLen < 5 || keyLen > 16 {
		return nil, fmt.Errorf("%w: key length %d bits", ErrEncrypted, keyBits)
	}

	encryptMetadata := true
	if b, ok := enc.Get("EncryptMetadata"); ok {
		if v, ok := b.(raw.Bool); ok {
			encryptMetadata = bool(v)
		}
	}

	method := methodRC4
	if v == 4 {
		var err error
		method, err = cryptFilterMethod(enc)
		if err != nil {
			return nil, err
		}
		if method == methodAESV2 {
			keyLen = 16
		}
	}

	h := &cryptHandler{method: method, revision: int(r), encryptMetadata: encryptMetadata}

	perm := uint32(pVal)
	derive := func(padded []byte) []byte {
		return h.fileKey(padded, o, perm, fileID, keyLen)
	}
	checkUser := func(key []byte) bool {
		return bytes.Equal(h.userValue(key, fileID), u[:16]) ||
			(h.revision == 2 && bytes.Equal(h.userValue(key, fileID), u[:32]))
	}

	// Try as user password first.
	padded := padPassword(password)
	if key := derive(padded); checkUser(key) {
		h.key = key
		return h, nil
	}
	// Then as owner password: recover the padded user password from O.
	if userPadded, ok := h.ownerToUser(password, o, keyLen); ok {
		if key := derive(userPadded); checkUser(key) {
			h.key = key
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: password did not authenticate", ErrEncrypted)
}

func cryptFilterMethod(enc raw.Dict) (cryptMethod, error) {
	stmf, _ := enc.NameVal("StmF")
	if stmf == "" || stmf == "Identity" {
		return methodIdentity, nil
	}
	cf, ok := enc.DictVal("CF")
	if !ok {
		return 0, fmt.Errorf("%w: V4 without CF", ErrEncrypted)
	}
	filter, ok := cf.DictVal(stmf)
	if !ok {
		return 0, fmt.Errorf("%w: crypt filter %q missing", ErrEncrypted, stmf)
	}
	switch cfm, _ := filter.NameVal("CFM"); cfm {
	case "V2":
		return methodRC4, nil
	case "AESV2":
		return methodAESV2, nil
	case "None", "Identity":
		return methodIdentity, nil
	default:
		return 0, fmt.Errorf("%w: crypt filter method %q", ErrEncrypted, cfm)
	}
}

func padPassword(pwd string) []byte {
	out := make([]byte, 32)
	n := copy(out, pwd)
	copy(out[n:], passPad)
	return out
}

// fileKey is algorithm 2: derive the file encryption key from a padded
// password.
func (h *cryptHandler) fileKey(padded, o []byte, p uint32, fileID []byte, keyLen int) []byte {
	hash := md5.New()
	hash.Write(padded)
	hash.Write(o)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], p)
	hash.Write(pBuf[:])
	hash.Write(fileID)
	if h.revision >= 4 && !h.encryptMetadata {
		hash.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}
	digest := hash.Sum(nil)
	if h.revision >= 3 {
		for i := 0; i < 50; i++ {
			d := md5.Sum(digest[:keyLen])
			digest = d[:]
		}
	}
	return digest[:keyLen]
}

// userValue is algorithm 4 (revision 2) or 5 (revision 3+): the expected /U.
func (h *cryptHandler) userValue(key, fileID []byte) []byte {
	if h.revision == 2 {
		out := make([]byte, 32)
		c, _ := rc4.NewCipher(key)
		c.XORKeyStream(out, passPad)
		return out
	}
	hash := md5.New()
	hash.Write(passPad)
	hash.Write(fileID)
	digest := hash.Sum(nil)
	c, _ := rc4.NewCipher(key)
	c.XORKeyStream(digest, digest)
	for i := 1; i <= 19; i++ {
		tmp := make([]byte, len(key))
		for j := range key {
			tmp[j] = key[j] ^ byte(i)
		}
		c, _ := rc4.NewCipher(tmp)
		c.XORKeyStream(digest, digest)
	}
	return digest[:16]
}

// ownerToUser is algorithm 3 in reverse: decrypt /O with the owner key to
// recover the padded user password.
func (h *cryptHandler) ownerToUser(ownerPwd string, o []byte, keyLen int) ([]byte, bool) {
	digest := md5.Sum(padPassword(ownerPwd))
	key := digest[:]
	if h.revision >= 3 {
		for i := 0; i < 50; i++ {
			d := md5.Sum(key[:keyLen])
			key = d[:]
		}
	}
	key = key[:keyLen]

	out := make([]byte, 32)
	copy(out, o)
	if h.revision == 2 {
		c, _ := rc4.NewCipher(key)
		c.XORKeyStream(out, out)
		return out, true
	}
	for i := 19; i >= 0; i-- {
		tmp := make([]byte, len(key))
		for j := range key {
			tmp[j] = key[j] ^ byte(i)
		}
		c, _ := rc4.NewCipher(tmp)
		c.XORKeyStream(out, out)
	}
	return out, true
}

// objectKey derives the per-object key (algorithm 1).
func (h *cryptHandler) objectKey(ref raw.ObjectRef) []byte {
	hash := md5.New()
	hash.Write(h.key)
	hash.Write([]byte{byte(ref.Num), byte(ref.Num >> 8), byte(ref.Num >> 16)})
	hash.Write([]byte{byte(ref.Gen), byte(ref.Gen >> 8)})
	if h.method == methodAESV2 {
		hash.Write([]byte{0x73, 0x41, 0x6C, 0x54}) // sAlT
	}
	digest := hash.Sum(nil)
	n := len(h.key) + 5
	if n > 16 {
		n = 16
	}
	return digest[:n]
}

func (h *cryptHandler) decrypt(ref raw.ObjectRef, data []byte) []byte {
	switch h.method {
	case methodIdentity:
		return data
	case methodAESV2:
		return aesDecrypt(h.objectKey(ref), data)
	default:
		out := make([]byte, len(data))
		c, err := rc4.NewCipher(h.objectKey(ref))
		if err != nil {
			return data
		}
		c.XORKeyStream(out, data)
		return out
	}
}

// aesDecrypt is AES-128-CBC with a leading IV and PKCS#7 padding. Malformed
// payloads come back unchanged rather than failing the whole document.
func aesDecrypt(key, data []byte) []byte {
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return data
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return data
	}
	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	if pad := int(out[len(out)-1]); pad >= 1 && pad <= aes.BlockSize && pad <= len(out) {
		out = out[:len(out)-pad]
	}
	return out
}

// decryptObject walks obj decrypting every string and stream payload in
// place. Cross-reference and metadata streams are exempt per their dictionary
// type.
func (h *cryptHandler) decryptObject(ref raw.ObjectRef, obj raw.Object) raw.Object {
	switch v := obj.(type) {
	case raw.String:
		return raw.String(h.decrypt(ref, []byte(v)))
	case raw.Array:
		for i, item := range v {
			v[i] = h.decryptObject(ref, item)
		}
		return v
	case raw.Dict:
		for k, item := range v {
			v[k] = h.decryptObject(ref, item)
		}
		return v
	case *raw.Stream:
		typ, _ := v.Dict.NameVal("Type")
		if typ == "XRef" {
			return v
		}
		if typ == "Metadata" && !h.encryptMetadata {
			return v
		}
		h.decryptObject(ref, v.Dict)
		v.Raw = h.decrypt(ref, v.Raw)
		return v
	default:
		return obj
	}
}
