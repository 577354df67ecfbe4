// Package digest computes the content digests the tree cache is keyed on:
// the digest of a filesystem tree and the cache key of a stage invocation.
//
// Both are BLAKE3 keyed hashes with distinct domain keys, so a tree digest
// can never collide with a cache key.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

type domainKey [32]byte

// Domain separation keys: the ASCII domain name, zero-padded to 32 bytes.
// Changing them invalidates every existing cache entry.
var (
	treeDomainKey = domainKey{
		'o', 's', 'b', 'u', 'i', 'l', 'd', '.', 't', 'r', 'e', 'e',
	}
	fileDomainKey = domainKey{
		'o', 's', 'b', 'u', 'i', 'l', 'd', '.', 'f', 'i', 'l', 'e',
	}
	cacheKeyDomainKey = domainKey{
		'o', 's', 'b', 'u', 'i', 'l', 'd', '.', 'c', 'a', 'c', 'h', 'e', 'k', 'e', 'y',
	}
)

// EmptyTree is the digest of a tree without any entries.
var EmptyTree = mustEmptyTree()

func mustEmptyTree() Digest {
	h := newHasher(treeDomainKey)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses the hex representation of a digest.
func Parse(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(d) {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(d))
	}
	copy(d[:], decoded)
	return d, nil
}

func newHasher(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// writeField writes a length-prefixed field so that field boundaries are
// unambiguous.
func writeField(h *blake3.Hasher, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	_, _ = h.Write(length[:])
	_, _ = h.Write(data)
}

var encMode cbor.EncMode

func init() {
	var err error
	// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys and
	// shortest encodings, so equal documents encode to equal bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("digest: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonical encodes an options document into its canonical byte form.
func Canonical(options interface{}) ([]byte, error) {
	data, err := encMode.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("cannot canonicalize options: %w", err)
	}
	return data, nil
}

// Key computes the cache key of running stage with options on a tree
// whose digest is input.
func Key(stage string, options interface{}, input Digest) (Digest, error) {
	canonical, err := Canonical(options)
	if err != nil {
		return Digest{}, err
	}

	h := newHasher(cacheKeyDomainKey)
	writeField(h, []byte(stage))
	writeField(h, canonical)
	writeField(h, input[:])

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
