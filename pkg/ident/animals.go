package ident

import (
	"math"
	"strings"
)

var animalNames = [64]string{
	"ant", "eel", "mole", "sloth", "ape", "emu", "monkey", "snail",
	"bat", "falcon", "mouse", "snake", "bear", "fish", "otter", "spider",
	"bee", "fly", "parrot", "squid", "bird", "fox", "panda", "swan",
	"bison", "frog", "pig", "tiger", "camel", "gecko", "pigeon", "toad",
	"cat", "goat", "pony", "turkey", "cobra", "goose", "pug", "turtle",
	"crow", "hamster", "rabbit", "viper", "deer", "horse", "rat", "wasp",
	"dog", "jaguar", "raven", "whale", "dove", "koala", "seal", "wolf",
	"duck", "lion", "shark", "worm", "eagle", "lizard", "sheep", "zebra",
}

var animalIndex = func() map[string]uint64 {
	m := make(map[string]uint64, len(animalNames))
	for i, n := range animalNames {
		m[n] = uint64(i)
	}
	return m
}()

// 64^11 > 2^64, so no valid token is longer than this.
const maxAnimalWords = 11

// Animals writes the id in base 64, most significant digit first, one animal per digit.
type Animals struct{}

func (Animals) Name() string { return "animals" }
func (Animals) Encode(id uint64) string {
	if id == 0 {
		return animalNames[0]
	}
	var digits []string
	for id > 0 {
		digits = append(digits, animalNames[id%64])
		id /= 64
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return strings.Join(digits, "-")
}
func (Animals) Decode(token string) uint64 {
	if token == "" {
		return 0
	}
	parts := strings.Split(token, "-")
	if len(parts) > maxAnimalWords {
		return 0
	}
	var n uint64
	for i, p := range parts {
		d, ok := animalIndex[p]
		if !ok {
			return 0
		}
		if i == 0 && d == 0 && len(parts) > 1 {
			return 0
		}
		if n > (math.MaxUint64-d)/64 {
			return 0
		}
		n = n*64 + d
	}
	return n
}
