package manifest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
)

const jsonManifest = `{
  "name": "Weather Station",
  "version": "2.1.0",
  "new_install_prompt_erase": true,
  "builds": [
    {"chipFamily": "ESP32", "parts": [
      {"path": "bootloader.bin", "offset": 4096},
      {"path": "app.bin", "offset": 65536}
    ]},
    {"chipFamily": "ESP32-C3", "chipVariant": "rev3", "parts": [{"path": "c3-rev3.bin", "offset": 0}]},
    {"chipFamily": "ESP32-C3", "parts": [{"path": "c3.bin", "offset": 0}]},
    {"chipFamily": "ESP32-C3", "parts": [{"path": "c3-second.bin", "offset": 0}]},
    {"chipFamily": "ESP32-S3", "chipVariant": "octal", "parts": [{"path": "s3-octal.bin", "offset": 0}]}
  ]
}`

const yamlManifest = `
name: Weather Station
version: 2.1.0
new_install_improv_wait_time: 15
builds:
  - chipFamily: ESP8266
    improv: true
    parts:
      - path: esp8266.bin
        offset: 0
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(jsonManifest), "m.json")
	if err != nil {
		t.Fatalf("Parse(json) error = %v", err)
	}
	if m.Name != "Weather Station" || !m.NewInstallPromptErase || len(m.Builds) != 5 {
		t.Errorf("Parse(json) = %+v", m)
	}
	if m.Builds[0].Parts[1].Offset != 0x10000 {
		t.Errorf("offset = 0x%x, want 0x10000", m.Builds[0].Parts[1].Offset)
	}

	m, err = Parse([]byte(yamlManifest), "m.yaml")
	if err != nil {
		t.Fatalf("Parse(yaml) error = %v", err)
	}
	if m.NewInstallImprovWaitTime == nil || *m.NewInstallImprovWaitTime != 15 || !m.Builds[0].Improv {
		t.Errorf("Parse(yaml) = %+v", m)
	}

	for _, bad := range []string{
		`{"name": "x", "builds": []}`,
		`{"builds": [{"parts": [{"path": "a.bin", "offset": 0}]}]}`,
		`{"builds": [{"chipFamily": "ESP32", "parts": []}]}`,
		`{"builds": `,
	} {
		if _, err := Parse([]byte(bad), "bad.json"); err == nil {
			t.Errorf("Parse(%s) expected error", bad)
		}
	}
}

func TestManifest_ImprovWait(t *testing.T) {
	secs := func(n int) *int { return &n }
	tests := []struct {
		name      string
		wait      *int
		improv    bool
		want      time.Duration
		wantOffer bool
	}{
		{"plain build", nil, false, DefaultImprovWait, false},
		{"improv build", nil, true, DefaultImprovWait, true},
		{"explicit wait", secs(15), false, 15 * time.Second, true},
		{"zero wait turns it off", secs(0), true, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &Manifest{NewInstallImprovWaitTime: tc.wait}
			got, offer := m.ImprovWait(&Build{ChipFamily: "ESP32", Improv: tc.improv})
			if got != tc.want || offer != tc.wantOffer {
				t.Errorf("ImprovWait() = %v, %v, want %v, %v", got, offer, tc.want, tc.wantOffer)
			}
		})
	}
}

func TestSelectBuild(t *testing.T) {
	m, err := Parse([]byte(jsonManifest), "m.json")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		family, variant string
		wantPath        string
	}{
		{"ESP32", "", "bootloader.bin"},
		{"esp32", "", "bootloader.bin"},
		{"ESP32-C3", "rev3", "c3-rev3.bin"},
		{"ESP32-C3", "rev4", "c3.bin"},
		{"ESP32-C3", "", "c3.bin"},
		{"ESP32-S3", "octal", "s3-octal.bin"},
		{"ESP32-S3", "", ""},
		{"ESP32-S3", "quad", ""},
		{"ESP8266", "", ""},
	}
	for _, tc := range tests {
		profile := &chip.Profile{Family: tc.family, Variant: tc.variant}
		b, err := m.SelectBuild(profile)
		if tc.wantPath == "" {
			var nm *NoMatchingBuildError
			if !errors.As(err, &nm) || !errors.Is(err, device.ErrNoMatchingBuild) {
				t.Errorf("SelectBuild(%s) error = %v, want NoMatchingBuildError", profile, err)
			}
			if device.KindOf(err) != device.KindNoMatchingBuild {
				t.Errorf("KindOf(%v) = %s", err, device.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("SelectBuild(%s) error = %v", profile, err)
			continue
		}
		if b.Parts[0].Path != tc.wantPath {
			t.Errorf("SelectBuild(%s) = %s, want %s", profile, b.Parts[0].Path, tc.wantPath)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"https://example.com/fw/manifest.json", "app.bin", "https://example.com/fw/app.bin"},
		{"https://example.com/fw/manifest.json", "/bins/app.bin", "https://example.com/bins/app.bin"},
		{"https://example.com/fw/manifest.json", "http://cdn.example.com/app.bin", "http://cdn.example.com/app.bin"},
		{filepath.Join("dir", "manifest.json"), "app.bin", filepath.Join("dir", "app.bin")},
		{"", "app.bin", "app.bin"},
	}
	for _, tc := range tests {
		got, err := Resolve(tc.base, tc.ref)
		if err != nil {
			t.Errorf("Resolve(%q, %q) error = %v", tc.base, tc.ref, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tc.base, tc.ref, got, tc.want)
		}
	}
}

func TestPlan_File(t *testing.T) {
	dir := t.TempDir()
	boot := bytes.Repeat([]byte{0xE9}, 100)
	app := bytes.Repeat([]byte{0xAA}, 300)
	os.WriteFile(filepath.Join(dir, "bootloader.bin"), boot, 0644)
	os.WriteFile(filepath.Join(dir, "app.bin"), app, 0644)
	path := filepath.Join(dir, "manifest.json")
	os.WriteFile(path, []byte(jsonManifest), 0644)

	ctx := context.Background()
	m, err := Load(ctx, path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := m.SelectBuild(&chip.Profile{Family: "ESP32"})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := m.Plan(ctx, b, true)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Family != "ESP32" || !plan.EraseFirst || len(plan.Regions) != 2 {
		t.Fatalf("Plan() = %+v", plan)
	}
	if plan.Regions[0].Offset != 0x1000 || !bytes.Equal(plan.Regions[0].Data, boot) {
		t.Errorf("region 0 = 0x%x, %d bytes", plan.Regions[0].Offset, len(plan.Regions[0].Data))
	}
	if plan.Regions[1].Offset != 0x10000 || !bytes.Equal(plan.Regions[1].Data, app) {
		t.Errorf("region 1 = 0x%x, %d bytes", plan.Regions[1].Offset, len(plan.Regions[1].Data))
	}

	c3, _ := m.SelectBuild(&chip.Profile{Family: "ESP32-C3"})
	if _, err := m.Plan(ctx, c3, false); err == nil {
		t.Error("Plan() with a missing part expected error")
	}
}

func TestPlan_HTTP(t *testing.T) {
	app := bytes.Repeat([]byte{0x42}, 1000)
	mux := http.NewServeMux()
	mux.HandleFunc("/fw/manifest.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(yamlManifest))
	})
	mux.HandleFunc("/fw/esp8266.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(app)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	m, err := Load(ctx, srv.URL+"/fw/manifest.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := m.SelectBuild(&chip.Profile{Family: "ESP8266"})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := m.Plan(ctx, b, false)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Regions) != 1 || !bytes.Equal(plan.Regions[0].Data, app) {
		t.Errorf("Plan() = %+v", plan)
	}

	if _, err := Load(ctx, srv.URL+"/missing.json"); err == nil {
		t.Error("Load() of a 404 expected error")
	}
}
