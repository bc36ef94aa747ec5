package wifi

import "fmt"

// BSSID is the 6-byte hardware address of an access point radio.
type BSSID [6]byte

// bssidTextLen is the length of the canonical "aa:bb:cc:dd:ee:ff" form.
const bssidTextLen = 17

// ParseBSSID parses a canonical colon-separated BSSID. The string must
// be exactly 17 characters with a colon after every byte pair.
//
// Each pair is read the way strtoul(3) reads base 16: leading blanks and
// a sign are accepted, digits are consumed until the first non-hex
// character, and a pair with no digits yields 0. Non-hex pairs such as
// "zz" therefore parse as 0 rather than failing; the length and
// separator checks are the only rejection paths.
func ParseBSSID(s string) (BSSID, bool) {
	var out BSSID
	if len(s) != bssidTextLen {
		return out, false
	}
	for i, j := 0, 0; i < bssidTextLen && j < len(out); i, j = i+3, j+1 {
		out[j] = parseHexPair(s[i], s[i+1])
		if i+2 < bssidTextLen && s[i+2] != ':' {
			return out, false
		}
	}
	return out, true
}

// String renders b in lowercase colon-separated form.
func (b BSSID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// IsZero reports whether b is the all-zero address.
func (b BSSID) IsZero() bool {
	return b == BSSID{}
}

func parseHexPair(a, b byte) byte {
	in := []byte{a, b}
	i := 0
	for i < len(in) && isSpace(in[i]) {
		i++
	}
	neg := false
	if i < len(in) && (in[i] == '+' || in[i] == '-') {
		neg = in[i] == '-'
		i++
	}
	var v uint
	for ; i < len(in); i++ {
		d, ok := hexDigit(in[i])
		if !ok {
			break
		}
		v = v<<4 | uint(d)
	}
	if neg {
		v = -v
	}
	return byte(v)
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
