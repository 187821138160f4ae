package cloudinit

import (
	"crypto/rand"
	"math/big"
)

// secureRandomIndex returns a uniformly distributed index in [0, n) using
// a CSPRNG, since generated instance passwords are security-sensitive.
func secureRandomIndex(n int) int {
	max := big.NewInt(int64(n))
	idx, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand failure is not recoverable in-process; fall back to
		// index 0 rather than panicking the caller's request handler.
		return 0
	}
	return int(idx.Int64())
}
