package staging

import (
	"fmt"
	"hash"
	"regexp"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Ecoshard-style artifact names embed their digest, e.g.
// watersheds_globe_blake2b_14ac9c77d2076d51b0258fd94d9378d4.zip
var digestPattern = regexp.MustCompile(`_(blake2b|blake3)_([0-9a-fA-F]+)\.[^.]+$`)

// EmbeddedDigest extracts the digest algorithm and hex sum embedded in an
// artifact filename, if any.
func EmbeddedDigest(name string) (algo, sum string, ok bool) {
	m := digestPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func newHasher(algo string, sumLen int) (hash.Hash, error) {
	switch algo {
	case "blake2b":
		// Digest size follows the embedded sum so truncated blake2b
		// variants verify too.
		return blake2b.New(sumLen/2, nil)
	case "blake3":
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
}
