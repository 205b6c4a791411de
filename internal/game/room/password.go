package room

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash of a room password, or "" for no password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing room password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies password against the room's hash. Rooms without a
// password accept anything.
func (r *Room) CheckPassword(password string) error {
	if r.PasswordHash == "" {
		return nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(r.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrWrongPassword
	}
	if err != nil {
		return fmt.Errorf("checking room password: %w", err)
	}
	return nil
}
