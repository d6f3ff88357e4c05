// Package keys derives table-store keys from human-readable entity names.
//
// An identity is the standard base64 encoding of the UTF-16LE bytes of a name,
// and a partition is the first byte of the MD5 digest of the UTF-16LE bytes of
// the identity, rendered in decimal. Both encodings are persisted in row keys
// and must never change.
package keys

import (
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrInvalidName indicates an empty, whitespace-only or non-UTF-8 name.
	ErrInvalidName = errors.New("keys: invalid name")
	// ErrInvalidIdentity indicates an identity that is not a valid encoded name.
	ErrInvalidIdentity = errors.New("keys: invalid identity")
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DeriveIdentity returns the identity for name.
func DeriveIdentity(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrInvalidName
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: name is not valid utf-8", ErrInvalidName)
	}
	encoded, err := encodeUTF16(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// DecodeIdentity recovers the name an identity was derived from.
func DecodeIdentity(identity string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(raw) == 0 || len(raw)%2 != 0 {
		return "", fmt.Errorf("%w: odd utf-16 length %d", ErrInvalidIdentity, len(raw))
	}
	decoded, err := utf16LE.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return string(decoded), nil
}

// DerivePartition returns the partition for identity, a decimal string in "0".."255".
// Collisions are expected; the value only spreads rows across partitions.
func DerivePartition(identity string) string {
	encoded, err := encodeUTF16(identity)
	if err != nil {
		// Identities are base64 text; encoding ASCII to UTF-16 cannot fail.
		encoded = []byte(identity)
	}
	sum := md5.Sum(encoded)
	return strconv.Itoa(int(sum[0]))
}

// Derive returns both the identity and the partition for name.
func Derive(name string) (identity string, partition string, err error) {
	identity, err = DeriveIdentity(name)
	if err != nil {
		return "", "", err
	}
	return identity, DerivePartition(identity), nil
}

func encodeUTF16(value string) ([]byte, error) {
	return utf16LE.NewEncoder().Bytes([]byte(value))
}
