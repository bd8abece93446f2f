package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashKey returns a hex SHA-256 digest. Used to keep raw client IPs out of
// Redis key names.
func HashKey(value string) string {
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// MaskIP hides the host part of an address for logs.
func MaskIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "****"
	}
	if v4 := parsed.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], 0, 0).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}
