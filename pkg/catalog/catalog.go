// Package catalog holds the human-readable descriptions of GRBL error,
// alarm, setting and build-option codes. The tables ship as CSV files
// embedded in the binary; Load reads the same layout from any fs.FS so a
// translated set can be dropped in.
package catalog

import (
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//go:embed csv/*.csv
var embedded embed.FS

// File names inside the catalog filesystem.
const (
	ErrorFile       = "csv/error_codes_en_US.csv"
	AlarmFile       = "csv/alarm_codes_en_US.csv"
	BuildOptionFile = "csv/build_option_codes_en_US.csv"
	SettingFile     = "csv/setting_codes_en_US.csv"
)

// Message describes an error or alarm code.
type Message struct {
	Code  int    `json:"code"`
	Short string `json:"short"`
	Long  string `json:"long"`
}

// Setting describes a $-setting.
type Setting struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Unit        string `json:"unit"`
	Description string `json:"description"`
}

// BuildOption describes one letter of the OPT: report.
type BuildOption struct {
	Code        byte   `json:"code"`
	Description string `json:"description"`
}

// Catalog is a read-only set of lookup tables.
type Catalog struct {
	errors   map[int]Message
	alarms   map[int]Message
	settings map[int]Setting
	options  map[byte]BuildOption
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the embedded en_US catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(embedded)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded tables are invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load reads the four catalog tables from fsys. Rows whose first column is
// not a valid code (such as the header row) are skipped.
func Load(fsys fs.FS) (*Catalog, error) {
	c := &Catalog{
		errors:   make(map[int]Message),
		alarms:   make(map[int]Message),
		settings: make(map[int]Setting),
		options:  make(map[byte]BuildOption),
	}

	err := readTable(fsys, ErrorFile, 3, func(row []string) {
		if code, ok := parseCode(row[0]); ok {
			c.errors[code] = Message{Code: code, Short: row[1], Long: row[2]}
		}
	})
	if err != nil {
		return nil, err
	}

	err = readTable(fsys, AlarmFile, 3, func(row []string) {
		if code, ok := parseCode(row[0]); ok {
			c.alarms[code] = Message{Code: code, Short: row[1], Long: row[2]}
		}
	})
	if err != nil {
		return nil, err
	}

	header := true
	err = readTable(fsys, BuildOptionFile, 2, func(row []string) {
		if header {
			header = false
			return
		}
		if len(row[0]) != 1 {
			return
		}
		code := row[0][0]
		c.options[code] = BuildOption{Code: code, Description: row[1]}
	})
	if err != nil {
		return nil, err
	}

	err = readTable(fsys, SettingFile, 4, func(row []string) {
		if code, ok := parseCode(row[0]); ok {
			c.settings[code] = Setting{Code: code, Name: row[1], Unit: row[2], Description: row[3]}
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parseCode(s string) (int, bool) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code < 0 {
		return 0, false
	}
	return code, true
}

func readTable(fsys fs.FS, name string, columns int, row func([]string)) error {
	f, err := fsys.Open(name)
	if err != nil {
		return fmt.Errorf("catalog: open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("catalog: %s: %w", name, err)
		}
		if len(rec) < columns {
			line, _ := r.FieldPos(0)
			return fmt.Errorf("catalog: %s:%d: want %d columns, got %d", name, line, columns, len(rec))
		}
		row(rec)
	}
}

// LookupError returns the description of an error:<code> response.
func (c *Catalog) LookupError(code int) (Message, bool) {
	m, ok := c.errors[code]
	return m, ok
}

// LookupAlarm returns the description of an ALARM:<code> report.
func (c *Catalog) LookupAlarm(code int) (Message, bool) {
	m, ok := c.alarms[code]
	return m, ok
}

// LookupSetting returns the description of $<code>.
func (c *Catalog) LookupSetting(code int) (Setting, bool) {
	s, ok := c.settings[code]
	return s, ok
}

// LookupBuildOption returns the description of an OPT: letter.
func (c *Catalog) LookupBuildOption(code byte) (BuildOption, bool) {
	o, ok := c.options[code]
	return o, ok
}

// Settings returns every known setting ordered by code.
func (c *Catalog) Settings() []Setting {
	out := make([]Setting, 0, len(c.settings))
	for _, s := range c.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
