package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/ntripduo/ntripduo/internal/config"
)

// Values are persisted as text. Integers use decimal, booleans use 0/1,
// blobs use base64, colors use #RRGGBBAA and addresses use dotted quads.

func (s *Store) getRaw(ctx context.Context, item *config.Item, want config.Type) (string, bool, error) {
	if item == nil {
		return "", false, fmt.Errorf("%w: nil item", ErrInvalidType)
	}
	if item.Type != want {
		return "", false, fmt.Errorf("%w: %s is %s, requested %s", ErrInvalidType, item.Key, item.Type, want)
	}
	raw, ok := s.lookup(ctx, item.Key)
	return raw, ok, nil
}

func (s *Store) getInt(ctx context.Context, item *config.Item, want config.Type, bits int, def int64) (int64, error) {
	raw, ok, err := s.getRaw(ctx, item, want)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, bits)
	if err != nil {
		return def, nil
	}
	return v, nil
}

func (s *Store) getUint(ctx context.Context, item *config.Item, want config.Type, bits int, def uint64) (uint64, error) {
	raw, ok, err := s.getRaw(ctx, item, want)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return def, nil
	}
	return v, nil
}

// GetBool reads a boolean item, falling back to the descriptor default on
// storage miss.
func (s *Store) GetBool(ctx context.Context, item *config.Item) (bool, error) {
	raw, ok, err := s.getRaw(ctx, item, config.TypeBool)
	if err != nil {
		return false, err
	}
	if !ok {
		return item.Default.(bool), nil
	}
	return raw == "1", nil
}

func (s *Store) GetInt8(ctx context.Context, item *config.Item) (int8, error) {
	v, err := s.getInt(ctx, item, config.TypeInt8, 8, int64(item.Default.(int8)))
	return int8(v), err
}

func (s *Store) GetInt16(ctx context.Context, item *config.Item) (int16, error) {
	v, err := s.getInt(ctx, item, config.TypeInt16, 16, int64(item.Default.(int16)))
	return int16(v), err
}

func (s *Store) GetInt32(ctx context.Context, item *config.Item) (int32, error) {
	v, err := s.getInt(ctx, item, config.TypeInt32, 32, int64(item.Default.(int32)))
	return int32(v), err
}

func (s *Store) GetInt64(ctx context.Context, item *config.Item) (int64, error) {
	return s.getInt(ctx, item, config.TypeInt64, 64, item.Default.(int64))
}

func (s *Store) GetUint8(ctx context.Context, item *config.Item) (uint8, error) {
	v, err := s.getUint(ctx, item, config.TypeUint8, 8, uint64(item.Default.(uint8)))
	return uint8(v), err
}

func (s *Store) GetUint16(ctx context.Context, item *config.Item) (uint16, error) {
	v, err := s.getUint(ctx, item, config.TypeUint16, 16, uint64(item.Default.(uint16)))
	return uint16(v), err
}

func (s *Store) GetUint32(ctx context.Context, item *config.Item) (uint32, error) {
	v, err := s.getUint(ctx, item, config.TypeUint32, 32, uint64(item.Default.(uint32)))
	return uint32(v), err
}

func (s *Store) GetUint64(ctx context.Context, item *config.Item) (uint64, error) {
	return s.getUint(ctx, item, config.TypeUint64, 64, item.Default.(uint64))
}

// GetString reads a string item.
func (s *Store) GetString(ctx context.Context, item *config.Item) (string, error) {
	raw, ok, err := s.getRaw(ctx, item, config.TypeString)
	if err != nil {
		return "", err
	}
	if !ok {
		return item.Default.(string), nil
	}
	return raw, nil
}

// GetBlob reads a blob item into a freshly allocated slice.
func (s *Store) GetBlob(ctx context.Context, item *config.Item) ([]byte, error) {
	raw, ok, err := s.getRaw(ctx, item, config.TypeBlob)
	if err != nil {
		return nil, err
	}
	if !ok {
		def, _ := item.Default.([]byte)
		out := make([]byte, len(def))
		copy(out, def)
		return out, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		def, _ := item.Default.([]byte)
		out := make([]byte, len(def))
		copy(out, def)
		return out, nil
	}
	return decoded, nil
}

func (s *Store) GetColor(ctx context.Context, item *config.Item) (config.Color, error) {
	raw, ok, err := s.getRaw(ctx, item, config.TypeColor)
	if err != nil {
		return 0, err
	}
	if !ok {
		return item.Default.(config.Color), nil
	}
	c, err := config.ParseColor(raw)
	if err != nil {
		return item.Default.(config.Color), nil
	}
	return c, nil
}

func (s *Store) GetIP(ctx context.Context, item *config.Item) (config.IP, error) {
	raw, ok, err := s.getRaw(ctx, item, config.TypeIP)
	if err != nil {
		return 0, err
	}
	if !ok {
		return item.Default.(config.IP), nil
	}
	ip, err := config.ParseIP(raw)
	if err != nil {
		return item.Default.(config.IP), nil
	}
	return ip, nil
}

func (s *Store) setRaw(key string, want config.Type, raw string) error {
	item := config.MustFind(key)
	if item.Type != want {
		return fmt.Errorf("%w: %s is %s, provided %s", ErrInvalidType, key, item.Type, want)
	}
	s.stage(key, raw)
	return nil
}

// SetBool stages a boolean value for key. The write is not persisted until
// Commit.
func (s *Store) SetBool(key string, v bool) error {
	raw := "0"
	if v {
		raw = "1"
	}
	return s.setRaw(key, config.TypeBool, raw)
}

func (s *Store) SetInt8(key string, v int8) error {
	return s.setRaw(key, config.TypeInt8, strconv.FormatInt(int64(v), 10))
}

func (s *Store) SetInt16(key string, v int16) error {
	return s.setRaw(key, config.TypeInt16, strconv.FormatInt(int64(v), 10))
}

func (s *Store) SetInt32(key string, v int32) error {
	return s.setRaw(key, config.TypeInt32, strconv.FormatInt(int64(v), 10))
}

func (s *Store) SetInt64(key string, v int64) error {
	return s.setRaw(key, config.TypeInt64, strconv.FormatInt(v, 10))
}

func (s *Store) SetUint8(key string, v uint8) error {
	return s.setRaw(key, config.TypeUint8, strconv.FormatUint(uint64(v), 10))
}

func (s *Store) SetUint16(key string, v uint16) error {
	return s.setRaw(key, config.TypeUint16, strconv.FormatUint(uint64(v), 10))
}

func (s *Store) SetUint32(key string, v uint32) error {
	return s.setRaw(key, config.TypeUint32, strconv.FormatUint(uint64(v), 10))
}

func (s *Store) SetUint64(key string, v uint64) error {
	return s.setRaw(key, config.TypeUint64, strconv.FormatUint(v, 10))
}

func (s *Store) SetString(key, v string) error {
	return s.setRaw(key, config.TypeString, v)
}

func (s *Store) SetBlob(key string, v []byte) error {
	return s.setRaw(key, config.TypeBlob, base64.StdEncoding.EncodeToString(v))
}

func (s *Store) SetColor(key string, v config.Color) error {
	return s.setRaw(key, config.TypeColor, v.String())
}

func (s *Store) SetIP(key string, v config.IP) error {
	return s.setRaw(key, config.TypeIP, v.String())
}

// SetFromString stages a value parsed from its textual form according to the
// descriptor type. Used by the operator CLI and the YAML importer.
func (s *Store) SetFromString(key, value string) error {
	item := config.MustFind(key)
	switch item.Type {
	case config.TypeBool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		return s.SetBool(key, v)
	case config.TypeInt8, config.TypeInt16, config.TypeInt32, config.TypeInt64:
		bits := map[config.Type]int{config.TypeInt8: 8, config.TypeInt16: 16, config.TypeInt32: 32, config.TypeInt64: 64}[item.Type]
		v, err := strconv.ParseInt(value, 10, bits)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		return s.setRaw(key, item.Type, strconv.FormatInt(v, 10))
	case config.TypeUint8, config.TypeUint16, config.TypeUint32, config.TypeUint64:
		bits := map[config.Type]int{config.TypeUint8: 8, config.TypeUint16: 16, config.TypeUint32: 32, config.TypeUint64: 64}[item.Type]
		v, err := strconv.ParseUint(value, 10, bits)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		return s.setRaw(key, item.Type, strconv.FormatUint(v, 10))
	case config.TypeString:
		return s.SetString(key, value)
	case config.TypeBlob:
		if _, err := base64.StdEncoding.DecodeString(value); err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		return s.setRaw(key, config.TypeBlob, value)
	case config.TypeColor:
		c, err := config.ParseColor(value)
		if err != nil {
			return err
		}
		return s.SetColor(key, c)
	case config.TypeIP:
		ip, err := config.ParseIP(value)
		if err != nil {
			return err
		}
		return s.SetIP(key, ip)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidType, key)
	}
}

// GetDisplay returns the current value of item in its textual form, for the
// operator CLI and the YAML exporter. Secrets are the caller's concern.
func (s *Store) GetDisplay(ctx context.Context, item *config.Item) (string, error) {
	if item == nil {
		return "", fmt.Errorf("%w: nil item", ErrInvalidType)
	}
	if raw, ok := s.lookup(ctx, item.Key); ok {
		return raw, nil
	}
	return encodeDefault(item), nil
}

func encodeDefault(item *config.Item) string {
	switch item.Type {
	case config.TypeBool:
		if item.Default.(bool) {
			return "1"
		}
		return "0"
	case config.TypeInt8:
		return strconv.FormatInt(int64(item.Default.(int8)), 10)
	case config.TypeInt16:
		return strconv.FormatInt(int64(item.Default.(int16)), 10)
	case config.TypeInt32:
		return strconv.FormatInt(int64(item.Default.(int32)), 10)
	case config.TypeInt64:
		return strconv.FormatInt(item.Default.(int64), 10)
	case config.TypeUint8:
		return strconv.FormatUint(uint64(item.Default.(uint8)), 10)
	case config.TypeUint16:
		return strconv.FormatUint(uint64(item.Default.(uint16)), 10)
	case config.TypeUint32:
		return strconv.FormatUint(uint64(item.Default.(uint32)), 10)
	case config.TypeUint64:
		return strconv.FormatUint(item.Default.(uint64), 10)
	case config.TypeString:
		return item.Default.(string)
	case config.TypeBlob:
		def, _ := item.Default.([]byte)
		return base64.StdEncoding.EncodeToString(def)
	case config.TypeColor:
		return item.Default.(config.Color).String()
	case config.TypeIP:
		return item.Default.(config.IP).String()
	default:
		return ""
	}
}
