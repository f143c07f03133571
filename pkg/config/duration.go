package config

import (
	"fmt"
	"time"
)

// Duration decodes TOML values given either as integers (milliseconds,
// the way timeouts are usually written in pooler configs) or as Go
// duration strings ("5s", "300ms").
type Duration struct {
	dur time.Duration
}

func Seconds(n int) Duration {
	return Duration{dur: time.Duration(n) * time.Second}
}

func Millis(n int) Duration {
	return Duration{dur: time.Duration(n) * time.Millisecond}
}

func (d Duration) D() time.Duration {
	return d.dur
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case int64:
		d.dur = time.Duration(val) * time.Millisecond
		return nil
	case float64:
		d.dur = time.Duration(val * float64(time.Millisecond))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.dur = parsed
		return nil
	default:
		return fmt.Errorf("cannot decode %T as duration", v)
	}
}
