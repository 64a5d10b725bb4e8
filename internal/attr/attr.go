// Package attr parses playlist attribute lists (KEY=VALUE,KEY="quoted") into a
// typed accessor.
package attr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMissing is returned when the requested attribute is absent.
	ErrMissing = errors.New("attribute missing")
	// ErrMalformed is returned when the attribute value cannot be decoded
	// into the requested type.
	ErrMalformed = errors.New("attribute malformed")
)

// List is a parsed attribute list. Values are stored unquoted.
type List struct {
	values map[string]string
	keys   []string
}

// Parse reads an attribute list such as
// `BANDWIDTH=1280000,CODECS="avc1.4d401f,mp4a.40.2",RESOLUTION=1280x720`.
// Commas inside quoted strings are kept.
func Parse(s string) (List, error) {
	l := List{values: make(map[string]string)}
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return l, fmt.Errorf("%w: expected KEY=VALUE near %q", ErrMalformed, s)
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return l, fmt.Errorf("%w: unterminated quote for %s", ErrMalformed, key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		if _, dup := l.values[key]; !dup {
			l.keys = append(l.keys, key)
		}
		l.values[key] = value

		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, ",") {
			s = strings.TrimSpace(s[1:])
		} else if len(s) > 0 {
			return l, fmt.Errorf("%w: expected ',' after %s", ErrMalformed, key)
		}
	}
	return l, nil
}

// Keys returns the attribute names in source order.
func (l List) Keys() []string {
	return l.keys
}

// Has reports whether key is present.
func (l List) Has(key string) bool {
	_, ok := l.values[key]
	return ok
}

// String returns the raw value.
func (l List) String(key string) (string, error) {
	v, ok := l.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return v, nil
}

// StringOr returns the raw value or def when absent.
func (l List) StringOr(key, def string) string {
	if v, ok := l.values[key]; ok {
		return v
	}
	return def
}

// Int decodes a decimal integer.
func (l List) Int(key string) (int64, error) {
	v, err := l.String(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrMalformed, key, v)
	}
	return n, nil
}

// Float decodes a decimal floating point number.
func (l List) Float(key string) (float64, error) {
	v, err := l.String(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrMalformed, key, v)
	}
	return f, nil
}

// FloatOr decodes a float, returning def when the attribute is absent.
// A malformed value is still an error.
func (l List) FloatOr(key string, def float64) (float64, error) {
	if !l.Has(key) {
		return def, nil
	}
	return l.Float(key)
}

// Hex decodes a 0x or 0X prefixed hexadecimal sequence. Odd length input is
// left padded with a zero nibble.
func (l List) Hex(key string) ([]byte, error) {
	v, err := l.String(key)
	if err != nil {
		return nil, err
	}
	if len(v) < 3 || (v[:2] != "0x" && v[:2] != "0X") {
		return nil, fmt.Errorf("%w: %s=%q is not hexadecimal", ErrMalformed, key, v)
	}
	digits := v[2:]
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q is not hexadecimal", ErrMalformed, key, v)
	}
	return b, nil
}

// Bool decodes the YES/NO enumerated form.
func (l List) Bool(key string) (bool, error) {
	v, err := l.Enum(key, "YES", "NO")
	if err != nil {
		return false, err
	}
	return v == "YES", nil
}

// BoolOr decodes YES/NO, returning def when absent.
func (l List) BoolOr(key string, def bool) (bool, error) {
	if !l.Has(key) {
		return def, nil
	}
	return l.Bool(key)
}

// Enum returns the value if it is one of allowed.
func (l List) Enum(key string, allowed ...string) (string, error) {
	v, err := l.String(key)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s=%q not in %v", ErrMalformed, key, v, allowed)
}

// Resolution decodes WIDTHxHEIGHT.
func (l List) Resolution(key string) (width, height int, err error) {
	v, err := l.String(key)
	if err != nil {
		return 0, 0, err
	}
	w, h, ok := strings.Cut(v, "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s=%q is not a resolution", ErrMalformed, key, v)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width < 0 || height < 0 {
		return 0, 0, fmt.Errorf("%w: %s=%q is not a resolution", ErrMalformed, key, v)
	}
	return width, height, nil
}

// ByteRange decodes the LENGTH[@OFFSET] form.
func (l List) ByteRange(key string) (length, offset int64, hasOffset bool, err error) {
	v, err := l.String(key)
	if err != nil {
		return 0, 0, false, err
	}
	return ParseByteRange(v)
}

// ParseByteRange decodes LENGTH[@OFFSET].
func ParseByteRange(v string) (length, offset int64, hasOffset bool, err error) {
	ls, os, hasOffset := strings.Cut(v, "@")
	length, err = strconv.ParseInt(ls, 10, 64)
	if err != nil || length < 0 {
		return 0, 0, false, fmt.Errorf("%w: byte range %q", ErrMalformed, v)
	}
	if hasOffset {
		offset, err = strconv.ParseInt(os, 10, 64)
		if err != nil || offset < 0 {
			return 0, 0, false, fmt.Errorf("%w: byte range %q", ErrMalformed, v)
		}
	}
	return length, offset, hasOffset, nil
}
