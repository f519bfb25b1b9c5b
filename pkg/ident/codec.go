// Package ident maps numeric pasta ids to public tokens and back.
package ident

import "github.com/pkg/errors"

// MaxID bounds the ids the generator draws; every codec round-trips below it.
const MaxID uint64 = 1 << 53

// Codec is bijective over [1, MaxID). Decode returns 0 for anything it did not produce.
type Codec interface {
	Encode(id uint64) string
	Decode(token string) uint64
	Name() string
}

func New(hashIDs bool, salt string) (Codec, error) {
	if !hashIDs {
		return Animals{}, nil
	}
	c, err := NewHashids(salt)
	if err != nil {
		return nil, errors.Wrap(err, "hashids codec")
	}
	return c, nil
}
