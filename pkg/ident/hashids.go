package ident

import (
	"github.com/pkg/errors"
	"github.com/speps/go-hashids/v2"
)

const hashidsMinLength = 6

type Hashids struct {
	h *hashids.HashID
}

func NewHashids(salt string) (*Hashids, error) {
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = hashidsMinLength
	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, errors.Wrap(err, "hashids init")
	}
	return &Hashids{h: h}, nil
}
func (c *Hashids) Name() string { return "hashids" }
func (c *Hashids) Encode(id uint64) string {
	if id >= MaxID {
		return ""
	}
	s, err := c.h.EncodeInt64([]int64{int64(id)})
	if err != nil {
		return ""
	}
	return s
}
func (c *Hashids) Decode(token string) uint64 {
	if token == "" {
		return 0
	}
	nums, err := c.h.DecodeInt64WithError(token)
	if err != nil || len(nums) != 1 || nums[0] <= 0 {
		return 0
	}
	return uint64(nums[0])
}
