package config

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// StringToJSONSliceHookFunc converts a string holding a JSON array into a
// slice, so list values such as backend candidates can come from the
// environment. Strings that are not JSON arrays pass through unchanged.
func StringToJSONSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data any) (any, error) {
		if f != reflect.String || t != reflect.Slice {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if !strings.HasPrefix(raw, "[") {
			return data, nil
		}
		var result []any
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return data, nil
		}
		return result, nil
	}
}

// CompositeDecodeHook combines all decode hooks.
func CompositeDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToJSONSliceHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func decoderConfig() viper.DecoderConfigOption {
	return viper.DecodeHook(CompositeDecodeHook())
}
