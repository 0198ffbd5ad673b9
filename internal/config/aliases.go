package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nclaude/nclaude/internal/identity"
	"github.com/nclaude/nclaude/internal/paths"
)

// LoadAliases reads the alias file. A missing or unparseable file yields no
// aliases, as a broken alias file must not stop messaging.
func LoadAliases(path string) (map[string]string, error) {
	aliases := map[string]string{}
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path under the user's home directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return aliases, nil
		}
		return nil, fmt.Errorf("read aliases: %w", err)
	}
	if err := json.Unmarshal(data, &aliases); err != nil {
		return map[string]string{}, nil //nolint:nilerr // corrupt alias file is ignored
	}
	return aliases, nil
}

// SaveAliases writes the alias file atomically.
func SaveAliases(path string, aliases map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create aliases directory: %w", err)
	}
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write aliases: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace aliases: %w", err)
	}
	return nil
}

// SetAlias binds name to target (a leading @ is dropped) and saves.
func (c *Config) SetAlias(name, target string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if target == "" {
		target = c.Session
	}
	if err := identity.ValidateSessionID(name); err != nil {
		return "", fmt.Errorf("invalid alias: %w", err)
	}
	if err := identity.ValidateSessionID(target); err != nil {
		return "", fmt.Errorf("invalid alias target: %w", err)
	}

	next := make(map[string]string, len(c.Aliases)+1)
	for k, v := range c.Aliases {
		next[k] = v
	}
	next[name] = target
	if err := SaveAliases(c.aliasesPath(), next); err != nil {
		return "", err
	}
	c.Aliases = next
	return target, nil
}

// DeleteAlias removes name and reports whether it existed.
func (c *Config) DeleteAlias(name string) (bool, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if _, ok := c.Aliases[name]; !ok {
		return false, nil
	}
	next := make(map[string]string, len(c.Aliases))
	for k, v := range c.Aliases {
		if k != name {
			next[k] = v
		}
	}
	if err := SaveAliases(c.aliasesPath(), next); err != nil {
		return false, err
	}
	c.Aliases = next
	return true, nil
}

// AliasNames returns the alias names, sorted.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for k := range c.Aliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *Config) aliasesPath() string {
	return paths.AliasesFile(c.Home)
}
