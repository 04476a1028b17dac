package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing
const BcryptCost = 12

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword compares a password with its hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// OperatorLogin checks operator credentials against the configured account
type OperatorLogin struct {
	Username     string
	PasswordHash string
}

// Verify reports whether username and password match. An unset hash
// disables operator login.
func (o OperatorLogin) Verify(username, password string) bool {
	if o.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) == 1
	passOK := CheckPassword(password, o.PasswordHash)
	return userOK && passOK
}
