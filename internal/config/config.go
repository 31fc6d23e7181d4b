// Package config parses the daemon's TOML configuration file. Grounded on
// SPEC_FULL.md's AMBIENT STACK entry for github.com/BurntSushi/toml (a
// teacher go.mod dependency) and spec.md §6's config-key table. The
// original's line-oriented "key value" format is re-expressed as a TOML
// document; unrecognized keys are still warned about rather than
// rejected, via toml.MetaData.Undecoded().
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPort is the daemon's default TCP listen port (spec.md §6). UDP
// discovery does not use it: internal/gossip sends and listens on its own
// fixed discovery port.
const DefaultPort = 13132

// defaultGranularity is used when files-granularity is absent from the
// config file.
const defaultGranularity = 1 << 20 // 1 MiB

// ByteSize parses a config value carrying a K/M/G/T/P suffix (spec.md §6
// "files-granularity (with K/M/G/T/P suffix)"), via encoding.TextUnmarshaler
// so BurntSushi/toml hands it the raw string value directly.
type ByteSize int64

var sizeSuffixes = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
	'P': 1 << 50,
}

// UnmarshalText parses strings like "1K", "250M", or a bare byte count.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*b = 0
		return nil
	}
	suffix := s[len(s)-1]
	if mult, ok := sizeSuffixes[strings.ToUpper(string(suffix))[0]]; ok {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return fmt.Errorf("config: bad files-granularity %q: %w", s, err)
		}
		*b = ByteSize(n * mult)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("config: bad files-granularity %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText is the round-trip counterpart, used by tests and by any
// future "write back the effective config" tooling.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(b), 10)), nil
}

// Config is the parsed form of the daemon's config file (spec.md §6): the
// six antivirus-* probe keys model the external environment-probe
// collaborator's invocation details (out of scope per spec.md §1 — the
// daemon only needs to know how to shell out to them).
type Config struct {
	Workdir          string   `toml:"workdir"`
	CheckFreeSpace   bool     `toml:"check-free-space"`
	Port             int      `toml:"port"`
	FilesGranularity ByteSize `toml:"files-granularity"`
	Listen           string   `toml:"listen"`

	AntivirusClamscan  string `toml:"antivirus-clamscan"`
	AntivirusFreshclam string `toml:"antivirus-freshclam"`
	AntivirusLog       string `toml:"antivirus-log"`
	AntivirusDatabase  string `toml:"antivirus-database"`
	AntivirusSchedule  string `toml:"antivirus-schedule"`
	AntivirusSmartctl  string `toml:"antivirus-smartctl"`
}

// Default returns the config that applies when no file is present at all.
func Default() Config {
	return Config{
		Workdir:            "/var/lib/distadm",
		CheckFreeSpace:     true,
		Port:               DefaultPort,
		FilesGranularity:   defaultGranularity,
		AntivirusClamscan:  "clamscan",
		AntivirusFreshclam: "freshclam",
		AntivirusSmartctl:  "smartctl",
	}
}

// Interfaces splits the space-separated "listen" key into interface names.
// An empty Listen yields nil. The daemon hands only the first name to
// discovery; with none it uses the system's default multicast interface.
func (c Config) Interfaces() []string {
	if strings.TrimSpace(c.Listen) == "" {
		return nil
	}
	return strings.Fields(c.Listen)
}

// Load reads and decodes path over Default(), calling warn (if non-nil)
// once per key present in the file but not recognized by Config.
func Load(path string, warn func(key string)) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if warn != nil {
		for _, key := range meta.Undecoded() {
			warn(key.String())
		}
	}
	return cfg, nil
}
