package ycsbkv

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Sequence hands out increasing scan ordinals. One Sequence must be shared by
// every store writing to the same sorted-set index, or ordinals will repeat.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next ordinal, starting at 1.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// IDFunc derives the numeric id that search indexes order records by.
type IDFunc func(key string) (float64, error)

// SuffixID parses everything after the leading non-digit prefix as a decimal
// number, so "user1234" gives 1234 and "user12x" is an error. Ids above 2^53
// lose precision, and keys like "user01" and "user1" share an id.
func SuffixID(key string) (float64, error) {
	digits := strings.TrimLeftFunc(key, func(r rune) bool {
		return r < '0' || r > '9'
	})
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q has no numeric suffix", ErrEncoding, key)
	}
	return float64(n), nil
}

// HashID is the top 53 bits of the key's xxhash64, which float64 scores hold
// exactly. Distinct keys can collide.
func HashID(key string) (float64, error) {
	return float64(xxhash.Sum64String(key) >> 11), nil
}

func formatID(id float64) []byte {
	return strconv.AppendFloat(nil, id, 'f', -1, 64)
}
