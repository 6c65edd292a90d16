package utils

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadTOMLConfig decodes filename into cfg. Keys that do not map to a field
// of cfg are reported as an error so misspelled settings are not silently
// ignored.
func LoadTOMLConfig(filename string, cfg any) error {
	md, err := toml.DecodeFile(filename, cfg)
	if err != nil {
		return err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", filename, strings.Join(keys, ", "))
	}

	return nil
}
