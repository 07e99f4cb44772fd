package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

const (
	MIN_MULTIPLIER = 1.00
)

// SeedSource is a deterministic stream of uniform values derived from
// HMAC-SHA256(serverSeed, "clientSeed:nonce:index"). Anyone holding the
// revealed seeds can replay the draws of a round.
type SeedSource struct {
	serverSeed string
	clientSeed string
	nonce      int
	index      int
}

func NewSeedSource(serverSeed, clientSeed string, nonce int) *SeedSource {
	return &SeedSource{
		serverSeed: serverSeed,
		clientSeed: clientSeed,
		nonce:      nonce,
	}
}

func (s *SeedSource) Float64() float64 {
	h := hmac.New(sha256.New, []byte(s.serverSeed))
	fmt.Fprintf(h, "%s:%d:%d", s.clientSeed, s.nonce, s.index)
	s.index++

	// 53 high bits give an exactly representable value in [0, 1)
	v := binary.BigEndian.Uint64(h.Sum(nil)[:8]) >> 11
	return float64(v) / (1 << 53)
}

// CrashPointFor derives the crash point of a round from its seeds.
func CrashPointFor(serverSeed, clientSeed string, nonce int) float64 {
	return clampCrashPoint(DrawCrashPoint(NewSeedSource(serverSeed, clientSeed, nonce)))
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRound checks a revealed round: the server seed must match the
// published commitment and reproduce the claimed crash point.
func VerifyRound(serverSeed, clientSeed, commitment string, nonce int, claimedCrashPoint float64) bool {
	if HashCommitment(serverSeed) != commitment {
		return false
	}
	return math.Abs(CrashPointFor(serverSeed, clientSeed, nonce)-claimedCrashPoint) < 1e-9
}

type Seeds struct {
	ServerSeed string
	ClientSeed string
	CrashPoint float64
}

// Seeder produces the seeds and crash point for the round with the given nonce.
type Seeder func(nonce int) Seeds

func ProvablyFairSeeder(nonce int) Seeds {
	serverSeed := GenerateSeed()
	clientSeed := GenerateSeed() // In production, aggregate from player inputs
	return Seeds{
		ServerSeed: serverSeed,
		ClientSeed: clientSeed,
		CrashPoint: CrashPointFor(serverSeed, clientSeed, nonce),
	}
}
