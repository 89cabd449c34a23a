package conftools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const Redacted = "***REDACTED***"

func decoderHook(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
	dc.ErrorUnused = true
	dc.WeaklyTypedInput = true
}

// Load merges configuration into cfg with precedence flag > environment > file > default.
//
// Environment variable names are the flag names in upper case with dashes replaced by
// underscores. The config file, if any, is named by the flag configFlag.
func Load(v *viper.Viper, flags *flag.FlagSet, args []string, configFlag string, cfg interface{}) error {
	var err error

	err = flags.Parse(args)
	if err != nil {
		return err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	err = v.BindPFlags(flags)
	if err != nil {
		return err
	}

	if path := v.GetString(configFlag); len(path) > 0 {
		v.SetConfigFile(path)
		err = v.ReadInConfig()
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	err = v.Unmarshal(cfg, decoderHook)
	if err != nil {
		return err
	}

	return nil
}

// Return a human-readable printout of all configuration options, except secret stuff.
func Format(v *viper.Viper, disallowedKeys []string) []string {
	ok := func(key string) bool {
		for _, forbiddenKey := range disallowedKeys {
			if forbiddenKey == key {
				return false
			}
		}
		return true
	}

	var keys sort.StringSlice = v.AllKeys()

	printed := make([]string, 0)

	keys.Sort()
	for _, key := range keys {
		if ok(key) {
			printed = append(printed, fmt.Sprintf("%s: %v", key, v.Get(key)))
		} else if len(v.GetString(key)) > 0 {
			printed = append(printed, fmt.Sprintf("%s: %s", key, Redacted))
		} else {
			printed = append(printed, fmt.Sprintf("%s: ", key))
		}
	}

	return printed
}
