package main

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeFloat32File(t *testing.T, values []float32) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "field.raw")
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestFieldConfigLoadReadsSamplesInOrder(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	fc := fieldConfig{
		Dims:    [3]int{2, 2, 2},
		Origin:  vec3{X: -1, Y: -1, Z: -1},
		Spacing: vec3{X: 1, Y: 1, Z: 1},
		Path:    writeFloat32File(t, values),
	}
	field, err := fc.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(field.Data) != len(values) {
		t.Fatalf("got %d samples, want %d", len(field.Data), len(values))
	}
	for i, v := range values {
		if field.Data[i] != v {
			t.Errorf("Data[%d] = %v, want %v", i, field.Data[i], v)
		}
	}
	if field.Origin != (vec3{X: -1, Y: -1, Z: -1}).toVec3() {
		t.Errorf("Origin = %v", field.Origin)
	}
}

func TestFieldConfigLoadRejectsSizeMismatch(t *testing.T) {
	fc := fieldConfig{
		Dims: [3]int{2, 2, 2},
		Path: writeFloat32File(t, []float32{1, 2, 3}), // too few samples
	}
	if _, err := fc.load(); err == nil {
		t.Fatal("expected an error for a short field file")
	}
}

func TestFieldConfigLoadRejectsEmptyDims(t *testing.T) {
	fc := fieldConfig{Dims: [3]int{0, 4, 4}, Path: "unused"}
	if _, err := fc.load(); err == nil {
		t.Fatal("expected an error for empty dims")
	}
}

func writeSceneConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadSceneConfigParsesMinimalState(t *testing.T) {
	path := writeSceneConfig(t, `{
		"Rank": 1,
		"Peers": ["localhost:9001", "localhost:9002"],
		"Width": 64,
		"Height": 32
	}`)
	cfg, err := loadSceneConfig(path)
	if err != nil {
		t.Fatalf("loadSceneConfig: %v", err)
	}
	if cfg.Rank != 1 || len(cfg.Peers) != 2 {
		t.Errorf("got rank=%d peers=%v", cfg.Rank, cfg.Peers)
	}
	if cfg.Width != 64 || cfg.Height != 32 {
		t.Errorf("got %dx%d, want 64x32", cfg.Width, cfg.Height)
	}
}

func TestLoadSceneConfigRejectsMissingPeers(t *testing.T) {
	path := writeSceneConfig(t, `{"Rank": 0, "Width": 1, "Height": 1}`)
	if _, err := loadSceneConfig(path); err == nil {
		t.Fatal("expected an error for a state file with no peers")
	}
}

func TestLoadSceneConfigRejectsRankOutOfRange(t *testing.T) {
	path := writeSceneConfig(t, `{"Rank": 2, "Peers": ["a:1", "b:2"], "Width": 1, "Height": 1}`)
	if _, err := loadSceneConfig(path); err == nil {
		t.Fatal("expected an error for an out-of-range rank")
	}
}

func TestLoadSceneConfigRejectsNonPositiveDims(t *testing.T) {
	path := writeSceneConfig(t, `{"Rank": 0, "Peers": ["a:1"], "Width": 0, "Height": 10}`)
	if _, err := loadSceneConfig(path); err == nil {
		t.Fatal("expected an error for a zero width")
	}
}

func TestSceneConfigColorStopsConverts(t *testing.T) {
	cfg := sceneConfig{Stops: []stopConfig{
		{Value: 0, Color: vec3{X: 0, Y: 0, Z: 0}},
		{Value: 1, Color: vec3{X: 1, Y: 1, Z: 1}},
	}}
	stops := cfg.colorStops()
	if len(stops) != 2 || stops[1].Value != 1 || stops[1].Color[0] != 1 {
		t.Fatalf("colorStops() = %+v", stops)
	}
}

func TestSceneConfigLightingConverts(t *testing.T) {
	cfg := sceneConfig{Lights: []lightConfig{
		{Position: vec3{X: 1, Y: 2, Z: 3}, Color: vec3{X: 1, Y: 1, Z: 1}},
	}}
	lighting := cfg.lighting()
	if len(lighting.Lights) != 1 || lighting.Lights[0].Position[1] != 2 {
		t.Fatalf("lighting() = %+v", lighting)
	}
}

func TestDimsFlagSetParsesWidthAndHeight(t *testing.T) {
	var d dimsFlag
	if err := d.Set("1024x768"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if d.width != 1024 || d.height != 768 {
		t.Errorf("got %dx%d, want 1024x768", d.width, d.height)
	}
	if got, want := d.String(), "1024x768"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDimsFlagSetRejectsMalformedInput(t *testing.T) {
	for _, s := range []string{"1024", "1024x", "x768", "axb", "-1x768"} {
		var d dimsFlag
		if err := d.Set(s); err == nil {
			t.Errorf("Set(%q): expected an error", s)
		}
	}
}

func TestParseCutoffModeDefaultsToX(t *testing.T) {
	if m := parseCutoffMode("bogus"); m != 0 {
		t.Errorf("parseCutoffMode(bogus) = %v, want CutoffX (0)", m)
	}
	if m := parseCutoffMode("y"); m != 1 {
		t.Errorf("parseCutoffMode(y) = %v, want CutoffY (1)", m)
	}
	if m := parseCutoffMode("magnitude"); m != 2 {
		t.Errorf("parseCutoffMode(magnitude) = %v, want CutoffMagnitude (2)", m)
	}
}
