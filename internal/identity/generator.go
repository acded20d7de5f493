package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateFresh builds a fresh {uid,name} pair for a connection that
// arrived without a valid token (§4.5 step 2). Stdlib only: this is a
// handful of lines with no natural third-party library (no pack example
// ships a name-generator dependency), and the exact word lists are not
// spec-mandated.
func GenerateFresh() (uid, name string) {
	return "u_" + randomHex(8), randomName()
}

func randomHex(n int) string {
	b := make([]byte, n/2+n%2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on the standard reader never fails in practice;
		// fall back to an all-zero id rather than panic.
		return hex.EncodeToString(make([]byte, n/2+n%2))[:n]
	}
	return hex.EncodeToString(b)[:n]
}

func randomName() string {
	adj := adjectives[randomIndex(len(adjectives))]
	noun := nouns[randomIndex(len(nouns))]
	digits := randomIndex(1000)
	return fmt.Sprintf("%s%s%03d", adj, noun, digits)
}

func randomIndex(n int) int {
	max := big.NewInt(int64(n))
	i, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return int(i.Int64())
}

var adjectives = []string{
	"Swift", "Brave", "Calm", "Eager", "Fuzzy", "Gentle", "Happy", "Jolly",
	"Keen", "Lively", "Mighty", "Nimble", "Proud", "Quiet", "Rapid", "Sunny",
	"Tidy", "Vivid", "Witty", "Zesty",
}

var nouns = []string{
	"Otter", "Falcon", "Badger", "Heron", "Lynx", "Marten", "Osprey", "Panda",
	"Quail", "Raven", "Stoat", "Tapir", "Urial", "Viper", "Wombat", "Yak",
	"Zebra", "Ibis", "Jackal", "Koala",
}
