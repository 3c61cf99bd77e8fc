package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Type identifies the wire/storage type of a configuration item.
type Type int

const (
	TypeBool Type = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeString
	TypeBlob
	TypeColor
	TypeIP
)

// String returns the lowercase tag used in CLI output and exports.
func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt8:
		return "i8"
	case TypeInt16:
		return "i16"
	case TypeInt32:
		return "i32"
	case TypeInt64:
		return "i64"
	case TypeUint8:
		return "u8"
	case TypeUint16:
		return "u16"
	case TypeUint32:
		return "u32"
	case TypeUint64:
		return "u64"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeColor:
		return "color"
	case TypeIP:
		return "ip"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Color is a 32-bit RGBA value as used by the status indicator.
type Color uint32

// String renders the color as #RRGGBBAA.
func (c Color) String() string {
	return fmt.Sprintf("#%08X", uint32(c))
}

// ParseColor accepts #RRGGBBAA, 0x-prefixed hex, or plain decimal.
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if v, ok := strings.CutPrefix(s, "#"); ok {
		n, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("config: parse color %q: %w", s, err)
		}
		return Color(n), nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("config: parse color %q: %w", s, err)
	}
	return Color(n), nil
}

// IP is an IPv4 address stored as a 32-bit value in network byte order.
type IP uint32

// IPv4 builds an IP from its dotted-quad components.
func IPv4(a, b, c, d byte) IP {
	return IP(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// String renders the address in dotted-quad form.
func (ip IP) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// ParseIP parses a dotted-quad IPv4 address.
func ParseIP(s string) (IP, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("config: parse ip %q: not a dotted quad", s)
	}
	var ip uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("config: parse ip %q: %w", s, err)
		}
		ip = ip<<8 | uint32(n)
	}
	return IP(ip), nil
}

// Item describes one recognized configuration key. The set of items is the
// compile-time table in items.go; keys outside the table are rejected.
type Item struct {
	Key     string
	Type    Type
	Default any
	Secret  bool
}
