// Package checksum computes and verifies content digests over byte streams.
package checksum

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/docker/model-store/pkg/distribution/types"
)

// allowedAlgorithms maps digest algorithms that may be used as storage keys
// to the length of their hex encoding.
var allowedAlgorithms = map[digest.Algorithm]int{
	digest.SHA256: 64,
	digest.SHA512: 128,
}

// FromReader hashes r with the canonical algorithm. Memory use is bounded
// regardless of the length of the stream.
func FromReader(r io.Reader) (digest.Digest, int64, error) {
	return fromReader(digest.Canonical, r)
}

func fromReader(alg digest.Algorithm, r io.Reader) (digest.Digest, int64, error) {
	if !alg.Available() {
		return "", 0, fmt.Errorf("digest algorithm %q is not available", alg)
	}
	digester := alg.Digester()
	n, err := io.Copy(digester.Hash(), r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	return digester.Digest(), n, nil
}

// FromFile hashes the whole file at path, from offset zero.
func FromFile(path string) (digest.Digest, int64, error) {
	return FromFileWith(digest.Canonical, path)
}

// FromFileWith hashes the whole file at path with alg.
func FromFileWith(alg digest.Algorithm, path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return fromReader(alg, f)
}

// Validate ensures d is well formed, uses an allowlisted algorithm and is
// therefore safe to use as a file name.
func Validate(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", d, err)
	}
	hexLength, ok := allowedAlgorithms[d.Algorithm()]
	if !ok {
		return fmt.Errorf("invalid digest algorithm: %q not in allowlist", d.Algorithm())
	}
	if len(d.Encoded()) != hexLength {
		return fmt.Errorf("invalid digest hex: invalid length for %s", d.Algorithm())
	}
	return nil
}

// VerifyFile recomputes the digest of the file at path with the algorithm
// of expected. A mismatch is reported as *types.IntegrityError.
func VerifyFile(path string, expected digest.Digest) error {
	if err := Validate(expected); err != nil {
		return err
	}
	actual, _, err := FromFileWith(expected.Algorithm(), path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &types.IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
