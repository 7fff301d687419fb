package accounts

import (
	"strings"

	descrypt "github.com/digitive/crypt"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword produces a bcrypt hash for storage on the account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against the stored hash. New accounts
// store bcrypt; accounts imported from older shards may still carry a
// DES crypt(3) hash, which is accepted as a fallback. A pending reset token
// is also accepted as a one-time password. Any successful check consumes the
// reset token.
func (a *Account) CheckPassword(password string) bool {
	if password == "" {
		return false
	}
	ok := verifyHash(a.PasswordHash, password)
	if !ok && a.ResetToken != "" && a.ResetToken == password {
		ok = true
	}
	if ok {
		a.ResetToken = ""
	}
	return ok
}

// SetPassword replaces the stored hash with a fresh bcrypt hash and clears
// any pending reset token.
func (a *Account) SetPassword(password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	a.PasswordHash = hash
	a.ResetToken = ""
	return nil
}

func verifyHash(stored, password string) bool {
	if stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return checkCrypt(password, stored)
}

// checkCrypt checks a password against a legacy DES crypt(3) hash, where the
// first two characters are the salt.
func checkCrypt(password, stored string) bool {
	if len(stored) < 2 {
		return false
	}
	computed, err := descrypt.Crypt(password, stored[:2])
	return err == nil && computed == stored
}
