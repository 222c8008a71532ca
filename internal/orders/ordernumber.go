package orders

import (
	"crypto/rand"
	"math/big"
)

const (
	DefaultOrderPrefix = "ORD-"
	orderSuffixLen     = 10
	orderAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewOrderNumber returns prefix followed by ten random uppercase alphanumerics.
func NewOrderNumber(prefix string) (string, error) {
	buf := make([]byte, orderSuffixLen)
	max := big.NewInt(int64(len(orderAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = orderAlphabet[n.Int64()]
	}
	return prefix + string(buf), nil
}
