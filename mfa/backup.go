package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Backup code parameters
const (
	BackupCodeCount  = 10
	BackupCodeLength = 8
)

var backupCodeSpace = big.NewInt(100_000_000) // 10^BackupCodeLength

// GenerateBackupCodes returns BackupCodeCount distinct codes of
// BackupCodeLength decimal digits.
func GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, BackupCodeCount)
	seen := make(map[string]struct{}, BackupCodeCount)
	for len(codes) < BackupCodeCount {
		n, err := rand.Int(rand.Reader, backupCodeSpace)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := fmt.Sprintf("%0*d", BackupCodeLength, n.Int64())
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// HashBackupCode is the at-rest form of a backup code
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// HashBackupCodes hashes every code
func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}

// VerifyBackupCode matches submitted exactly against the unconsumed codes and
// returns the codes left after removing it. Persistent stores consume with
// their own atomic operation instead.
func VerifyBackupCode(codes []string, submitted string) (bool, []string) {
	idx := -1
	for i, c := range codes {
		if subtle.ConstantTimeCompare([]byte(c), []byte(submitted)) == 1 && idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return false, codes
	}

	remaining := make([]string, 0, len(codes)-1)
	remaining = append(remaining, codes[:idx]...)
	remaining = append(remaining, codes[idx+1:]...)
	return true, remaining
}
