// Package cipherblock implements CipherBlock: a stateless function that
// encrypts or decrypts a byte range of one virtual page in place, using an
// AES-CTR keystream that is deterministic in (key, page index, byte offset).
//
// Every cryptographic construction worth learning from here (ctrdrbg-style
// DRBGs, memory-protection cipher wrappers) still calls straight into
// crypto/aes and crypto/cipher rather than a third-party cipher
// implementation, so this package does too. Base-IV derivation uses
// golang.org/x/crypto/hkdf, already present as a transitive dependency,
// promoted here to direct use.
package cipherblock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/orizon-lang/emm/internal/errkit"
)

const blockSize = aes.BlockSize // 16

// Block is a keyed CipherBlock instance. It is stateless with respect to any
// particular page: the same (key, page index, offset) always yields the same
// keystream, so a page may be encrypted and decrypted independently of any
// other, and out of order.
type Block struct {
	cipher  cipher.Block
	baseIV  [blockSize]byte
	pageLen int64 // P, the stride between consecutive pages in the keystream
}

// New keys a Block. keyLen of 16 or 32 bytes selects AES-128 or AES-256; the
// base IV is derived from the key via HKDF-SHA256 so that two Blocks keyed
// differently produce different keystreams, per the cipher contract.
func New(key []byte, pageSize int64) (*Block, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkit.Crypto("aes.NewCipher: %v", err)
	}

	var baseIV [blockSize]byte
	kdf := hkdf.New(sha256.New, key, nil, []byte("emm-base-iv-v1"))
	if _, err := io.ReadFull(kdf, baseIV[:]); err != nil {
		return nil, errkit.Crypto("hkdf derive base iv: %v", err)
	}

	return &Block{cipher: blk, baseIV: baseIV, pageLen: pageSize}, nil
}

// Process XOR-applies the keystream for page i, byte range [offset,
// offset+len(data)), into data in place. It is its own inverse: the same call
// both encrypts and decrypts, since a CTR keystream is self-inverse under
// XOR. pageLen should be P, or the last page's short length.
func (b *Block) Process(pageIndex int64, offset int64, data []byte, pageLen int64) error {
	if pageIndex < 0 {
		return errkit.Crypto("negative page index %d", pageIndex)
	}
	if offset < 0 || offset+int64(len(data)) > pageLen {
		return errkit.Crypto("range [%d,%d) out of bounds for page length %d", offset, offset+int64(len(data)), pageLen)
	}
	if len(data) == 0 {
		return nil
	}

	globalOffset := pageIndex*b.pageLen + offset
	blockIndex := uint64(globalOffset / blockSize)
	blockByteOffset := int(globalOffset % blockSize)

	counter := addCounter(b.baseIV, blockIndex)

	stream := cipher.NewCTR(b.cipher, counter[:])

	// Discard the keystream bytes preceding our target offset within the
	// first AES block by running them through a scratch prefix.
	scratch := make([]byte, blockByteOffset+len(data))
	copy(scratch[blockByteOffset:], data)
	stream.XORKeyStream(scratch, scratch)
	copy(data, scratch[blockByteOffset:])

	return nil
}

// addCounter adds blockIndex to the 128-bit big-endian integer represented by
// base, returning the result. This is how a single long CTR keystream over
// the whole virtual address space is addressed starting from an arbitrary
// AES-block boundary, rather than only from the start of the stream.
func addCounter(base [blockSize]byte, blockIndex uint64) [blockSize]byte {
	var out [blockSize]byte
	copy(out[:], base[:])

	carry := blockIndex
	for i := blockSize - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + (carry & 0xff)
		out[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return out
}
