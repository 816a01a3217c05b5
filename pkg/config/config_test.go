package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"controlncenter/pkg/errors"
)

func TestLoadString(t *testing.T) {
	data := `
# host settings
[serial]
device: /dev/ttyUSB0
baud = 115200     ; GRBL default

[machine]
poll_interval: 200ms
`
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	if !cfg.HasSection("serial") || !cfg.HasSection("machine") {
		t.Fatalf("sections = %v", cfg.GetSectionNames())
	}
	if cfg.HasSection("feed") {
		t.Error("expected [feed] to be absent")
	}

	serial, err := cfg.GetSection("serial")
	if err != nil {
		t.Fatalf("GetSection(serial) failed: %v", err)
	}
	dev, err := serial.Get("device")
	if err != nil || dev != "/dev/ttyUSB0" {
		t.Errorf("device = %q, %v", dev, err)
	}
	baud, err := serial.GetInt("baud")
	if err != nil || baud != 115200 {
		t.Errorf("baud = %d, %v", baud, err)
	}

	machine, _ := cfg.GetSection("machine")
	poll, err := machine.GetDuration("poll_interval")
	if err != nil || poll != 200*time.Millisecond {
		t.Errorf("poll_interval = %v, %v", poll, err)
	}
}

func TestLoadStringErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		code errors.ErrorCode
	}{
		{"empty header", "[]\n", errors.ErrConfigSection},
		{"option before section", "device: /dev/ttyACM0\n", errors.ErrConfigOption},
		{"no separator", "[serial]\ndevice\n", errors.ErrConfigOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.data)
			if !errors.Is(err, tt.code) {
				t.Errorf("err = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestSectionGetters(t *testing.T) {
	cfg, err := LoadString(`
[test]
int_val: 42
float_val: 0.25
bool_val: yes
secs: 1.5
bad_int: twelve
choice: JSON
`)
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("test")

	if v, _ := sec.GetInt("int_val"); v != 42 {
		t.Errorf("int_val = %d", v)
	}
	if v, _ := sec.GetFloat("float_val"); v != 0.25 {
		t.Errorf("float_val = %v", v)
	}
	if v, _ := sec.GetBool("bool_val"); !v {
		t.Error("bool_val = false")
	}
	if v, _ := sec.GetDuration("secs"); v != 1500*time.Millisecond {
		t.Errorf("secs = %v", v)
	}
	if v, _ := sec.GetChoice("choice", []string{"text", "json"}); v != "json" {
		t.Errorf("choice = %q", v)
	}
	if v, _ := sec.GetInt("missing", 7); v != 7 {
		t.Errorf("fallback = %d", v)
	}

	if _, err := sec.GetInt("bad_int"); !errors.Is(err, errors.ErrConfigType) {
		t.Errorf("bad_int err = %v", err)
	}
	if _, err := sec.Get("missing"); !errors.Is(err, errors.ErrConfigOption) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := sec.GetChoice("choice", []string{"text"}); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("choice err = %v", err)
	}
}

func TestLoadHostDefaults(t *testing.T) {
	cfg, err := LoadString("")
	if err != nil {
		t.Fatal(err)
	}
	h, err := LoadHost(cfg)
	if err != nil {
		t.Fatalf("LoadHost failed: %v", err)
	}
	want := DefaultHost()
	if h.Serial.Baud != want.Serial.Baud ||
		h.Machine.PollInterval != 200*time.Millisecond ||
		h.Machine.BannerToken != "Grbl" ||
		h.Machine.SequenceTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", h)
	}
}

func TestLoadHostFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlncenter.cfg")
	data := `
[serial]
device: /dev/ttyACM0
baud: 250000

[machine]
banner_token: GrblHAL
sequence_timeout: 0

[feed]
listen: 127.0.0.1:7125

[log]
level: debug
format: json
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	h, err := LoadHost(cfg)
	if err != nil {
		t.Fatalf("LoadHost failed: %v", err)
	}
	if h.Serial.Device != "/dev/ttyACM0" || h.Serial.Baud != 250000 {
		t.Errorf("serial = %+v", h.Serial)
	}
	if h.Machine.BannerToken != "GrblHAL" || h.Machine.SequenceTimeout != 0 {
		t.Errorf("machine = %+v", h.Machine)
	}
	if h.Feed.Listen != "127.0.0.1:7125" {
		t.Errorf("feed = %+v", h.Feed)
	}
	if h.Log.Level != "debug" || h.Log.Format != "json" {
		t.Errorf("log = %+v", h.Log)
	}
}

func TestLoadHostRejectsUnknown(t *testing.T) {
	cfg, err := LoadString("[serial]\ndevise: /dev/ttyUSB0\n\n[printer]\nkinematics: cartesian\n")
	if err != nil {
		t.Fatal(err)
	}
	_, err = LoadHost(cfg)
	if !errors.Is(err, errors.ErrConfigValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestLoadHostRejectsFastPolling(t *testing.T) {
	cfg, _ := LoadString("[machine]\npoll_interval: 1ms\n")
	if _, err := LoadHost(cfg); !errors.Is(err, errors.ErrConfigValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cfg"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
