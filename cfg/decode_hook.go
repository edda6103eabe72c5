package cfg

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// DecodeHook composes the hooks viper needs to turn flag/YAML strings into
// this package's custom types (Octal, LogSeverity), plus the stdlib hooks
// for durations and comma-separated lists.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToLogSeverityHookFunc(),
	)
}

// stringToLogSeverityHookFunc exists because TextUnmarshallerHookFunc only
// fires for pointer-receiver UnmarshalText targets reached through a
// non-pointer field; viper's own config-file path decodes LogSeverity as a
// bare string first, so this hook upper-cases it the same way
// LogSeverity.UnmarshalText does.
func stringToLogSeverityHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(LogSeverity("")) {
			return data, nil
		}
		var l LogSeverity
		if err := l.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return l, nil
	}
}
