package roborock

import (
	"bytes"
	"crypto/aes"
	"crypto/md5" // nolint:gosec
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

const roborockSalt = "TXdfu$jyZ#TZHsg4"

func md5Bytes(data []byte) []byte {
	sum := md5.Sum(data) // nolint:gosec
	return sum[:]
}

func md5Hex(data []byte) string {
	return hex.EncodeToString(md5Bytes(data))
}

func crc32sum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// The device mixes the hex digits of the frame timestamp into the payload key
func encodeTimestamp(ts uint32) []byte {
	h := fmt.Sprintf("%08x", ts)
	order := []int{5, 6, 3, 7, 1, 2, 0, 4}
	out := make([]byte, len(order))
	for i, idx := range order {
		out[i] = h[idx]
	}
	return out
}

func payloadKey(localKey string, ts uint32) []byte {
	var buf bytes.Buffer
	buf.Write(encodeTimestamp(ts))
	buf.WriteString(localKey)
	buf.WriteString(roborockSalt)
	return md5Bytes(buf.Bytes())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - (len(data) % blockSize)
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding size")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}

func aesEcbEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating payload cipher")
	}
	bs := block.BlockSize()
	padded := pkcs7Pad(append([]byte{}, plaintext...), bs)
	out := make([]byte, len(padded))
	for start := 0; start < len(padded); start += bs {
		block.Encrypt(out[start:start+bs], padded[start:start+bs])
	}
	return out, nil
}

func aesEcbDecrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating payload cipher")
	}
	bs := block.BlockSize()
	if len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), bs)
	}
	out := make([]byte, len(ciphertext))
	for start := 0; start < len(ciphertext); start += bs {
		block.Decrypt(out[start:start+bs], ciphertext[start:start+bs])
	}
	return pkcs7Unpad(out, bs)
}
