package config

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/viper"
)

// Record is one key=value entry from a provider config file.
type Record struct {
	Key   string
	Value string
}

// ParseRecords reads the flat key=value format through viper's env codec:
// '#' comments, optional quotes, lower-cased keys. Records come back sorted
// by key.
func ParseRecords(r io.Reader) ([]Record, error) {
	v := viper.New()
	v.SetConfigType("env")
	if err := v.ReadConfig(r); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return records(v), nil
}

func ReadFile(path string) ([]Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ConfigError{Key: "path", Err: fmt.Errorf("open %s: %w", path, err)}
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Key: "path", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return records(v), nil
}

func records(v *viper.Viper) []Record {
	keys := v.AllKeys()
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, Record{Key: k, Value: v.GetString(k)})
	}
	return out
}
