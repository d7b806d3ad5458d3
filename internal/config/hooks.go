package config

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a byte count that decodes from human strings such as "50MiB"
// or "10 MB" as well as plain integers.
type ByteSize int64

// String renders the size in IEC units, e.g. "50 MiB".
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// StringToByteSize is a DecodeHookFunc that converts strings to ByteSize.
func StringToByteSize() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return nil, fmt.Errorf("empty size string")
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", s, err)
		}
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("parse size %q: too large", s)
		}
		return ByteSize(n), nil
	}
}
