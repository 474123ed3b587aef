package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashStreamKey hashes a plain stream key using bcrypt.
func HashStreamKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckStreamKey compares a plain stream key with its bcrypt hash.
func CheckStreamKey(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
