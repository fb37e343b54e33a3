package dmffs

import (
	"log"
	"strconv"
	"strings"

	"os"

	"golang.org/x/xerrors"
)

// config is the resolved {region_base, region_size, backing image} triple.
// There is no physical address space to mmap in a hosted process, so the
// path to the backing file takes the role a raw base address would play on
// the embedded target.
type config struct {
	addr      int64
	size      int64
	imagePath string
}

// resolveConfig reads FLASH_FS_ADDR/FLASH_FS_SIZE/FLASH_FS_IMAGE from the
// environment as defaults, then applies any overrides found in
// configString, using the grammar key=value(;key=value)* with recognized
// keys flash_addr, flash_size, flash_image. Unknown keys warn and are
// ignored; any key=value pair missing "=" is a malformed string and
// resolveConfig returns ErrInvalid.
func resolveConfig(configString string) (config, error) {
	var cfg config

	if v := os.Getenv("FLASH_FS_ADDR"); v != "" {
		n, err := parseHex(v)
		if err != nil {
			return config{}, xerrors.Errorf("dmffs: FLASH_FS_ADDR: %w", ErrInvalid)
		}
		cfg.addr = n
	}
	if v := os.Getenv("FLASH_FS_SIZE"); v != "" {
		n, err := parseHex(v)
		if err != nil {
			return config{}, xerrors.Errorf("dmffs: FLASH_FS_SIZE: %w", ErrInvalid)
		}
		cfg.size = n
	}
	cfg.imagePath = os.Getenv("FLASH_FS_IMAGE")

	if configString == "" {
		if cfg.imagePath == "" {
			return config{}, xerrors.Errorf("dmffs: no backing image configured: %w", ErrInvalid)
		}
		return cfg, nil
	}

	for _, kv := range strings.Split(configString, ";") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return config{}, xerrors.Errorf("dmffs: malformed configuration entry %q: %w", kv, ErrInvalid)
		}
		key, value := parts[0], parts[1]
		switch key {
		case "flash_addr":
			n, err := parseHex(value)
			if err != nil {
				return config{}, xerrors.Errorf("dmffs: flash_addr=%q: %w", value, ErrInvalid)
			}
			cfg.addr = n
		case "flash_size":
			n, err := parseHex(value)
			if err != nil {
				return config{}, xerrors.Errorf("dmffs: flash_size=%q: %w", value, ErrInvalid)
			}
			cfg.size = n
		case "flash_image":
			cfg.imagePath = value
		default:
			log.Printf("dmffs: ignoring unknown configuration key %q", key)
		}
	}

	if cfg.imagePath == "" {
		return config{}, xerrors.Errorf("dmffs: no backing image configured: %w", ErrInvalid)
	}
	return cfg, nil
}

// parseHex accepts an optionally "0x"-prefixed hexadecimal string, per the
// FLASH_FS_ADDR/FLASH_FS_SIZE environment variable grammar.
func parseHex(s string) (int64, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
