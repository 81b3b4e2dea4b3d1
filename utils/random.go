package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateCode returns an uppercase hex string of n random bytes.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// PaymentReference builds a unique payment reference. The date prefix keeps
// references sortable in finance exports.
func PaymentReference(now time.Time) (string, error) {
	code, err := GenerateCode(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY-%s-%s", now.UTC().Format("20060102"), code), nil
}
