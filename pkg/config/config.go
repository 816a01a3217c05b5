// Package config parses the host's INI-style configuration file and tracks
// which options were read so typos can be reported.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"controlncenter/pkg/errors"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, fmt.Sprintf("unable to open %s", path)).
			SetContext("config_path", path)
	}
	defer f.Close()

	c, err := parse(f)
	if err != nil {
		if hostErr, ok := err.(*errors.HostError); ok {
			return nil, errors.WithConfigPath(hostErr, path)
		}
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	return parse(strings.NewReader(data))
}

// parse accepts "[section]" headers and "key: value" or "key = value"
// options. Text after '#' or ';' is a comment.
func parse(r io.Reader) (*Config, error) {
	c := New()
	var current string
	var options map[string]string

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if current != "" {
				c.addSection(current, options)
			}
			current = strings.TrimSpace(line[1 : len(line)-1])
			if current == "" {
				return nil, errors.New(errors.ErrConfigSection, "empty section header").SetLine(lineNum)
			}
			options = make(map[string]string)
			continue
		}

		if current == "" {
			return nil, errors.New(errors.ErrConfigOption,
				fmt.Sprintf("option %q outside of any section", line)).SetLine(lineNum)
		}

		sep := strings.IndexAny(line, ":=")
		if sep <= 0 {
			return nil, errors.New(errors.ErrConfigOption,
				fmt.Sprintf("malformed option %q", line)).SetSection(current).SetLine(lineNum)
		}
		key := strings.TrimSpace(line[:sep])
		options[strings.ToLower(key)] = strings.TrimSpace(line[sep+1:])
	}
	if current != "" {
		c.addSection(current, options)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, "error reading config")
	}
	return c, nil
}

// addSection adds a section, merging into an existing one of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[k] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, errors.ConfigSectionError(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a Section if it exists, or an empty section
// so callers can still apply fallbacks.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec, ok := c.sections[name]; ok {
		c.accessedSections[name] = struct{}{}
		return sec
	}
	return newSection(name, nil)
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// GetUnusedSections returns sections that were never accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused returns an error naming every section or option that was
// present in the file but never read.
func (c *Config) CheckUnused() error {
	var problems []string
	for _, name := range c.GetUnusedSections() {
		problems = append(problems, fmt.Sprintf("[%s]", name))
	}

	c.mu.RLock()
	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		for _, opt := range c.sections[name].GetUnusedOptions() {
			problems = append(problems, fmt.Sprintf("[%s] %s", name, opt))
		}
	}
	c.mu.RUnlock()

	if len(problems) > 0 {
		return errors.New(errors.ErrConfigValidation,
			"unknown settings: "+strings.Join(problems, ", "))
	}
	return nil
}
