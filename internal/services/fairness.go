package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

const seedBytes = 32

type Commitment struct {
	Seed string
	Hash string
}

// RandomnessCommitter produces a secret seed per round and publishes only its
// hash until the round is settled.
type RandomnessCommitter struct {
	rand io.Reader
}

func NewRandomnessCommitter() *RandomnessCommitter {
	return &RandomnessCommitter{rand: rand.Reader}
}

func (c *RandomnessCommitter) Commit() (Commitment, error) {
	buf := make([]byte, seedBytes)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return Commitment{}, fmt.Errorf("failed to generate seed: %w", err)
	}

	seed := hex.EncodeToString(buf)
	return Commitment{Seed: seed, Hash: HashSeed(seed)}, nil
}

func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func (c *RandomnessCommitter) Verify(seed, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSeed(seed)), []byte(hash)) == 1
}

// Reveal derives the round's random value in [0, 2^coinCount) from
// HMAC-SHA256(seed, roundID).
func (c *RandomnessCommitter) Reveal(roundID, seed string, coinCount int) (uint64, error) {
	if coinCount < 1 || coinCount >= 64 {
		return 0, fmt.Errorf("coin count %d out of range", coinCount)
	}
	if seed == "" {
		return 0, fmt.Errorf("empty seed for round %s", roundID)
	}

	h := hmac.New(sha256.New, []byte(seed))
	h.Write([]byte(roundID))
	sum := h.Sum(nil)

	v := binary.BigEndian.Uint64(sum[:8])
	return v & (uint64(1)<<uint(coinCount) - 1), nil
}
