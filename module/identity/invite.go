package identity

import (
	"crypto/rand"
	"math/big"
)

// CodeGenerator is the invite-code collaborator. Uniqueness is still
// enforced at the store; the resolver retries on collision.
type CodeGenerator interface {
	NewCode() string
}

const (
	codeLen = 8
	// No 0/O/1/I: codes get read aloud and typed by hand.
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type randomCodes struct{}

func NewCodeGenerator() CodeGenerator { return randomCodes{} }

func (randomCodes) NewCode() string {
	buf := make([]byte, codeLen)
	max := big.NewInt(int64(len(codeCharset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		buf[i] = codeCharset[n.Int64()]
	}
	return string(buf)
}
