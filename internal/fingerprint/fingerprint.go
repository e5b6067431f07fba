// Package fingerprint computes deterministic identifiers for cacheable
// external requests. A fingerprint covers the owning stage's version plus the
// canonical request parameters, so bumping a stage version changes every key
// that stage produces and stale cache entries are bypassed without manual
// invalidation.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Key is a hex-encoded 64-bit fingerprint. It is safe to use as a filename.
type Key string

func (k Key) String() string { return string(k) }

// New computes the fingerprint for a request made by a stage at a given
// version. Parts are hashed with length framing so that ("ab","c") and
// ("a","bc") cannot collide. The same inputs always produce the same Key,
// across processes and builds.
func New(stageVersion string, parts ...string) Key {
	d := xxhash.New()
	writeFramed(d, stageVersion)
	for _, p := range parts {
		writeFramed(d, p)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], d.Sum64())
	return Key(hex.EncodeToString(buf[:]))
}

func writeFramed(d *xxhash.Digest, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = d.Write(n[:])
	_, _ = d.WriteString(s)
}
