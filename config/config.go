// Package config loads session configuration from YAML and JSON files.
//
// A file looks like this in YAML:
//
//	server:
//	  instance_url: https://www14.v1host.com/v1sdktesting
//	  username: admin
//	  password: admin
//	  timeout: 30000
//	log:
//	  enabled: true
//	  provider: jellog
//	journal: sqlite:/var/lib/vone
//	page_size: 100
//
// The journal may be given either as a connection string (see
// vone.ParseJournalConnString) or as a mapping with type, dir and file keys.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dekarrin/vone"
	"gopkg.in/yaml.v3"
)

// Format is a file format a Config can be stored in.
type Format int

const (
	NoFormat Format = iota
	JSON
	YAML
)

func (f Format) String() string {
	switch f {
	case NoFormat:
		return "NoFormat"
	case JSON:
		return "JSON"
	case YAML:
		return "YAML"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Extensions returns the file extensions, without the leading dot, that files
// in the format use.
func (f Format) Extensions() []string {
	switch f {
	case JSON:
		return []string{"json", "jsn"}
	case YAML:
		return []string{"yaml", "yml"}
	default:
		return nil
	}
}

// SupportedFormats returns a list of formats that the config module supports
// decoding. Includes all but NoFormat.
func SupportedFormats() []Format {
	return []Format{JSON, YAML}
}

// DetectFormat detects the format of a given configuration file and returns the
// Format that can decode it. Returns NoFormat if the format could not be
// detected.
func DetectFormat(file string) Format {
	ext := strings.ToLower(filepath.Ext(file))
	ext = strings.TrimPrefix(ext, ".")

	for _, f := range SupportedFormats() {
		for _, checkedExt := range f.Extensions() {
			if ext == checkedExt {
				return f
			}
		}
	}

	return NoFormat
}

// Load loads a configuration from a JSON or YAML file. The format of the file
// is determined by examining its extension; see DetectFormat. The extension is
// not case-sensitive.
//
// Load does no validation beyond what parsing requires. Call FillDefaults and
// then Validate on the result before using it.
func Load(file string) (vone.Config, error) {
	f := DetectFormat(file)
	if f == NoFormat {
		var exts []string
		for _, sf := range SupportedFormats() {
			for _, ext := range sf.Extensions() {
				exts = append(exts, "."+ext)
			}
		}
		return vone.Config{}, fmt.Errorf("%s: incompatible format; must be a %s, or %s file", file, strings.Join(exts[:len(exts)-1], ", "), exts[len(exts)-1])
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return vone.Config{}, fmt.Errorf("%s: %w", file, err)
	}

	cfg, err := Decode(f, data)
	if err != nil {
		return vone.Config{}, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}

// Decode parses data in the given format into a Config.
func Decode(f Format, data []byte) (vone.Config, error) {
	var mc marshaledConfig
	var err error

	switch f {
	case JSON:
		err = json.Unmarshal(data, &mc)
	case YAML:
		err = yaml.Unmarshal(data, &mc)
	default:
		return vone.Config{}, fmt.Errorf("cannot unmarshal data in format %q", f.String())
	}
	if err != nil {
		return vone.Config{}, err
	}

	var cfg vone.Config
	err = unmarshalConfig(&cfg, mc)
	return cfg, err
}

// Encode writes cfg in the given format. The journal is always written as a
// mapping.
func Encode(f Format, cfg vone.Config) ([]byte, error) {
	mc := marshalConfig(cfg)

	switch f {
	case JSON:
		return json.MarshalIndent(mc, "", "  ")
	case YAML:
		return yaml.Marshal(mc)
	default:
		return nil, fmt.Errorf("cannot marshal data in format %q", f.String())
	}
}
