package translator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticStore is a fixed in-memory code table.
type StaticStore map[int32]string

func (s StaticStore) Name() string { return "static" }

func (s StaticStore) Load(context.Context) (map[int32]string, error) {
	out := make(map[int32]string, len(s))
	for code, class := range s {
		out[code] = class
	}
	return out, nil
}

// FileStore reads a YAML code table from disk on every Load. The file
// maps codes, decimal or 0x-prefixed hex, to class names:
//
//	codes:
//	  0x7F010100: retryable
//	  2130837504: degradable
type FileStore struct {
	Path string
}

type codeFile struct {
	Codes map[string]string `yaml:"codes"`
}

func (s FileStore) Name() string { return "file:" + s.Path }

func (s FileStore) Load(context.Context) (map[int32]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read code table: %w", err)
	}
	return ParseCodeTable(data)
}

// ParseCodeTable decodes the YAML code table format read by FileStore.
func ParseCodeTable(data []byte) (map[int32]string, error) {
	var f codeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse code table: %w", err)
	}
	out := make(map[int32]string, len(f.Codes))
	for raw, class := range f.Codes {
		code, err := parseCode(raw)
		if err != nil {
			return nil, err
		}
		if class == "" {
			return nil, fmt.Errorf("code %s has no class", raw)
		}
		out[code] = class
	}
	return out, nil
}

func parseCode(raw string) (int32, error) {
	raw = strings.TrimSpace(raw)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err = strconv.ParseUint(raw[2:], 16, 32)
	} else {
		var signed int64
		signed, err = strconv.ParseInt(raw, 10, 32)
		v = uint64(uint32(int32(signed)))
	}
	if err != nil {
		return 0, fmt.Errorf("invalid code %q: %w", raw, err)
	}
	return int32(uint32(v)), nil
}
