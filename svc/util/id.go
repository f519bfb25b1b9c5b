package util

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// idSpace keeps ids exactly representable as float64 so they survive JSON clients.
const idSpace = 1 << 53

// GenID draws a random id in [1, 2^53) that exists does not already claim.
func GenID(exists func(uint64) bool) (uint64, error) {
	var buf [8]byte
	for retry := 0; retry < 8; retry++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "rand fail")
		}
		id := binary.BigEndian.Uint64(buf[:]) % idSpace
		if id == 0 || exists(id) {
			continue
		}
		return id, nil
	}
	return 0, errors.New("id collision after 8 retries")
}
