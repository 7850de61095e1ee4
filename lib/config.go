package tardis

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultSection is where key/value pairs preceding the first [section]
// header land.
const DefaultSection = "default"

var (
	sectionHeaderPattern = regexp.MustCompile(`^\[([^\]]*)\]$`)
	quotedValuePattern   = regexp.MustCompile(`^([^=]+?)\s*=\s*"([^"]*)"\s*$`)
	bareValuePattern     = regexp.MustCompile(`^([^=]+?)\s*=\s*(.*)$`)
	variableRefPattern   = regexp.MustCompile(`\$\{([^,}]+),([^}]+)\}`)
)

// Config is a two-level section -> key -> value mapping, parsed from a
// small INI dialect with quoted/bare values and "${section,key}"
// variable substitution.
type Config struct {
	sections map[string]map[string]string
	order    []string // section names in first-seen order, for diagnostics
	modified bool
	path     string
}

// NewConfig returns an empty Config with just the default section.
func NewConfig() *Config {
	return &Config{
		sections: map[string]map[string]string{DefaultSection: {}},
		order:    []string{DefaultSection},
	}
}

// LoadConfig reads and parses path, enforcing a strict file-mode rule:
// refuse to load if any permission bit beyond owner read-write is set,
// since the file may carry credentials.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, configErrorf(err, "stat config %q", path)
	}

	if info.Mode().Perm()&^0600 != 0 {
		return nil, permissionErrorf("config %q has mode %o, must be <= 0600", path, info.Mode().Perm())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, configErrorf(err, "open config %q", path)
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return nil, err
	}
	cfg.path = path

	return cfg, nil
}

// ParseConfig parses the INI dialect from r, then resolves
// "${section,key}" references in a single pass.
func ParseConfig(r io.Reader) (*Config, error) {
	cfg := NewConfig()
	currentSection := DefaultSection

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			continue
		}

		if m := sectionHeaderPattern.FindStringSubmatch(trimmed); m != nil {
			currentSection = m[1]
			cfg.ensureSection(currentSection)
			continue
		}

		if m := quotedValuePattern.FindStringSubmatch(line); m != nil {
			cfg.set(currentSection, strings.TrimSpace(m[1]), m[2])
			continue
		}

		if m := bareValuePattern.FindStringSubmatch(line); m != nil {
			key := strings.TrimSpace(m[1])
			value := stripTrailingComment(m[2])
			cfg.set(currentSection, key, strings.TrimSpace(value))
			continue
		}

		return nil, configErrorf(nil, "syntax error at line %d: %q", lineNum, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, configErrorf(err, "read config")
	}

	cfg.resolveVariables()
	cfg.modified = false

	return cfg, nil
}

// stripTrailingComment removes a trailing "#" or ";" comment from an
// unquoted value; quoted values (handled above) never reach here.
func stripTrailingComment(value string) string {
	for i, c := range value {
		if c == '#' || c == ';' {
			return value[:i]
		}
	}
	return value
}

func (c *Config) ensureSection(name string) {
	if _, ok := c.sections[name]; !ok {
		c.sections[name] = map[string]string{}
		c.order = append(c.order, name)
	}
}

func (c *Config) set(section, key, value string) {
	c.ensureSection(section)
	c.sections[section][key] = value
	c.modified = true
}

// Get returns the value for section/key, and whether it was present.
func (c *Config) Get(section, key string) (string, bool) {
	s, ok := c.sections[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// MustGet returns the value for section/key or an empty string.
func (c *Config) MustGet(section, key string) string {
	v, _ := c.Get(section, key)
	return v
}

// Set assigns section/key = value, creating the section if needed.
func (c *Config) Set(section, key, value string) {
	c.set(section, key, value)
}

// Delete removes key from section, if present.
func (c *Config) Delete(section, key string) {
	if s, ok := c.sections[section]; ok {
		if _, ok := s[key]; ok {
			delete(s, key)
			c.modified = true
		}
	}
}

// Keys returns the keys of section in no particular order.
func (c *Config) Keys(section string) []string {
	s, ok := c.sections[section]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// HasSection reports whether section exists (even if empty).
func (c *Config) HasSection(section string) bool {
	_, ok := c.sections[section]
	return ok
}

// resolveVariables substitutes every "${section,key}" occurrence exactly
// once. One pass only: a reference to a value that itself contains an
// unresolved reference is not guaranteed to resolve.
func (c *Config) resolveVariables() {
	for section, kv := range c.sections {
		for key, value := range kv {
			if !strings.Contains(value, "${") {
				continue
			}
			resolved := variableRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
				m := variableRefPattern.FindStringSubmatch(ref)
				refSection, refKey := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
				if v, ok := c.Get(refSection, refKey); ok {
					return v
				}
				return ""
			})
			c.sections[section][key] = resolved
		}
	}
}

// Write serializes the config in canonical form: sections sorted by name,
// all values quoted, sections in skip omitted. The write is gated by the
// modified flag unless force is true.
func (c *Config) Write(w io.Writer, skip map[string]bool, force bool) error {
	if !c.modified && !force {
		return nil
	}

	sectionNames := make([]string, 0, len(c.sections))
	for name := range c.sections {
		if skip != nil && skip[name] {
			continue
		}
		sectionNames = append(sectionNames, name)
	}
	sort.Strings(sectionNames)

	for _, section := range sectionNames {
		if _, err := fmt.Fprintf(w, "[%s]\n", section); err != nil {
			return metaIOErrorf(err, "write section header")
		}

		keys := make([]string, 0, len(c.sections[section]))
		for k := range c.sections[section] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			// Plain quoting, not %q/Go-escaping: the reader's
			// quotedValuePattern takes everything between the two quotes
			// literally and never unescapes it, so a %q-escaped value
			// (e.g. one containing a backslash) would come back doubled
			// on the next load.
			if _, err := fmt.Fprintf(w, "%s = \"%s\"\n", key, c.sections[section][key]); err != nil {
				return metaIOErrorf(err, "write key %q", key)
			}
		}
	}

	c.modified = false
	return nil
}

// Save writes the config back to the path it was loaded from, via a
// write-to-temp-then-rename so a crash mid-write leaves either the old
// or the new content, never a truncated file.
func (c *Config) Save() error {
	if c.path == "" {
		return metaIOErrorf(nil, "config has no associated path")
	}
	return c.SaveAs(c.path)
}

// SaveAs writes the config to path atomically.
func (c *Config) SaveAs(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return metaIOErrorf(err, "create temp file %q", tmp)
	}

	if err := c.Write(f, nil, true); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return metaIOErrorf(err, "close temp file %q", tmp)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return metaIOErrorf(err, "rename %q to %q", tmp, path)
	}
	c.path = path
	return nil
}
