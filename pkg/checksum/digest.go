// Package checksum computes the digests written to container sidecar files.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"slices"

	"emperror.dev/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

type DigestAlgorithm string

const (
	DigestMD5        DigestAlgorithm = "md5"
	DigestSHA1       DigestAlgorithm = "sha1"
	DigestSHA256     DigestAlgorithm = "sha256"
	DigestSHA512     DigestAlgorithm = "sha512"
	DigestBlake2b160 DigestAlgorithm = "blake2b-160"
	DigestBlake2b256 DigestAlgorithm = "blake2b-256"
	DigestBlake2b384 DigestAlgorithm = "blake2b-384"
	DigestBlake2b512 DigestAlgorithm = "blake2b-512"
	DigestBlake3     DigestAlgorithm = "blake3"
)

// blake2bHash returns an unkeyed blake2b constructor for size bytes of
// output. The size is one of the constants above, so New cannot fail.
func blake2bHash(size int) func() hash.Hash {
	return func() hash.Hash {
		h, err := blake2b.New(size, nil)
		if err != nil {
			panic(err)
		}
		return h
	}
}

var hashFunc = map[DigestAlgorithm]func() hash.Hash{
	DigestMD5:        md5.New,
	DigestSHA1:       sha1.New,
	DigestSHA256:     sha256.New,
	DigestSHA512:     sha512.New,
	DigestBlake2b160: blake2bHash(20),
	DigestBlake2b256: blake2bHash(32),
	DigestBlake2b384: blake2bHash(48),
	DigestBlake2b512: blake2bHash(64),
	DigestBlake3:     func() hash.Hash { return blake3.New() },
}

// DigestNames returns the names of all supported algorithms, sorted.
func DigestNames() []string {
	names := make([]string, 0, len(hashFunc))
	for alg := range hashFunc {
		names = append(names, string(alg))
	}
	slices.Sort(names)
	return names
}

func HashExists(alg DigestAlgorithm) bool {
	_, ok := hashFunc[alg]
	return ok
}

func GetHash(alg DigestAlgorithm) (hash.Hash, error) {
	f, ok := hashFunc[alg]
	if !ok {
		return nil, errors.Errorf("unknown digest algorithm '%s'", alg)
	}
	return f(), nil
}
