package grbl

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// StartingBlockBase offsets the $N starting blocks from the numeric
	// settings so both fit in one key space.
	StartingBlockBase = 10000
	// MaxStartingBlocks is how many $N lines the device stores.
	MaxStartingBlocks = 10

	// SettingLaserMode is $32. Writing it on a build without laser
	// support is rejected by the device.
	SettingLaserMode = 32
)

// StartingBlockKey returns the ConfigStore key of $N<n>.
func StartingBlockKey(n int) int {
	return StartingBlockBase + n
}

// IsStartingBlock reports whether key holds a starting block and which one.
func IsStartingBlock(key int) (int, bool) {
	if key >= StartingBlockBase && key < StartingBlockBase+MaxStartingBlocks {
		return key - StartingBlockBase, true
	}
	return 0, false
}

// KeyName renders a key as the device spells it: "110" or "N0".
func KeyName(key int) string {
	if n, ok := IsStartingBlock(key); ok {
		return "N" + strconv.Itoa(n)
	}
	return strconv.Itoa(key)
}

// ParseSettingKey accepts "110", "$110", "N0" or "$N0".
func ParseSettingKey(name string) (int, error) {
	name = strings.TrimPrefix(name, "$")
	if rest, ok := strings.CutPrefix(name, "N"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 || n >= MaxStartingBlocks {
			return 0, fmt.Errorf("bad starting block %q", name)
		}
		return StartingBlockKey(n), nil
	}
	key, err := strconv.Atoi(name)
	if err != nil || key < 0 || key >= StartingBlockBase {
		return 0, fmt.Errorf("bad setting key %q", name)
	}
	return key, nil
}

// SettingLine renders one configuration write without line terminator.
func SettingLine(key int, value string) string {
	return "$" + KeyName(key) + "=" + value
}

// ConfigStore holds device settings keyed by number, with starting blocks
// at StartingBlockKey. Values are kept exactly as the device printed them.
type ConfigStore struct {
	values map[int]string
}

// NewConfigStore returns an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{values: make(map[int]string)}
}

// Set stores value under key.
func (c *ConfigStore) Set(key int, value string) {
	c.values[key] = value
}

// Get returns the value stored under key.
func (c *ConfigStore) Get(key int) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Delete removes key.
func (c *ConfigStore) Delete(key int) {
	delete(c.values, key)
}

// Len returns the number of keys.
func (c *ConfigStore) Len() int {
	return len(c.values)
}

// Clear removes every key.
func (c *ConfigStore) Clear() {
	c.values = make(map[int]string)
}

// Keys returns the keys in ascending order. Numeric settings therefore
// come before starting blocks.
func (c *ConfigStore) Keys() []int {
	keys := make([]int, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Clone returns a deep copy.
func (c *ConfigStore) Clone() *ConfigStore {
	out := &ConfigStore{values: make(map[int]string, len(c.values))}
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// Diff returns the keys whose value differs between c and other,
// including keys present in only one of them.
func (c *ConfigStore) Diff(other *ConfigStore) []int {
	seen := make(map[int]struct{})
	var keys []int
	for k, v := range c.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			keys = append(keys, k)
		}
		seen[k] = struct{}{}
	}
	for k := range other.values {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	return keys
}

// MarshalJSON renders the store as {"$110": "1000.000", "$N0": ""}.
func (c *ConfigStore) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out["$"+KeyName(k)] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON form.
func (c *ConfigStore) UnmarshalJSON(data []byte) error {
	var in map[string]string
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.values = make(map[int]string, len(in))
	for name, v := range in {
		key, err := ParseSettingKey(name)
		if err != nil {
			return err
		}
		c.values[key] = v
	}
	return nil
}
