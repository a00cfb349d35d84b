package protocol

import "strconv"

// IsValidKey reports whether key can be sent as a memcached key: 1 to 250
// bytes, none of them a space or a control character.
func IsValidKey(key string) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}

	for _, b := range []byte(key) {
		if b <= 32 || b == 127 {
			return false
		}
	}

	return true
}

// ValidateKey is IsValidKey with a descriptive error.
func ValidateKey(key string) error {
	switch {
	case len(key) == 0:
		return &InvalidKeyError{Key: key, Message: "key is empty"}
	case len(key) > MaxKeyLength:
		return &InvalidKeyError{Key: key, Message: "key exceeds maximum length of 250 bytes"}
	case !IsValidKey(key):
		return &InvalidKeyError{Key: key, Message: "key contains whitespace or control characters"}
	}
	return nil
}

// ValidateKeys validates every key and requires at least one.
func ValidateKeys(keys []string) error {
	if len(keys) == 0 {
		return &InvalidKeyError{Message: "no keys given"}
	}
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// FlagsCeiling returns the largest flags value accepted in the given mode.
func FlagsCeiling(legacy bool) uint32 {
	if legacy {
		return MaxLegacyFlags
	}
	return MaxFlags
}

// ValidateFlags checks flags against the legacy (16-bit) or modern (24-bit)
// ceiling.
func ValidateFlags(flags uint32, legacy bool) error {
	if ceiling := FlagsCeiling(legacy); flags > ceiling {
		return &InvalidFlagsError{Flags: flags, Ceiling: ceiling}
	}
	return nil
}

// IsNumeric reports whether token is an unsigned decimal integer, the shape
// of an incr/decr reply.
func IsNumeric(token string) bool {
	if token == "" {
		return false
	}
	_, err := strconv.ParseUint(token, 10, 64)
	return err == nil
}
