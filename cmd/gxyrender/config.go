package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/gxy-project/gxy/core/data/binary"
	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/kernel"
	"github.com/gxy-project/gxy/gxy/partition"
)

// vec3 is a JSON-friendly stand-in for f32.Vec3; encoding/json has no way
// to name the fields of a [3]float32 array, so the state file spells out
// x/y/z and sceneConfig converts on load.
type vec3 struct {
	X, Y, Z float32
}

func (v vec3) toVec3() f32.Vec3 { return f32.Vec3{v.X, v.Y, v.Z} }

type boxConfig struct {
	Min, Max vec3
}

func (b boxConfig) toBox() partition.Box {
	return partition.Box{Min: b.Min.toVec3(), Max: b.Max.toVec3()}
}

// fieldConfig describes the scalar volume every rank loads its own local
// sub-box view of, per spec.md's partitioning rule that each rank already
// holds the data it traces against rather than pulling it over the wire.
// Path names a flat, little-endian float32 file of Dims[0]*Dims[1]*Dims[2]
// samples in x-fastest order -- the same sample layout kernel.ScalarField
// expects -- read with core/data/binary like every other wire format in
// this tree.
type fieldConfig struct {
	Dims    [3]int
	Origin  vec3
	Spacing vec3
	Path    string
}

func (f fieldConfig) load() (*kernel.ScalarField, error) {
	n := f.Dims[0] * f.Dims[1] * f.Dims[2]
	if n <= 0 {
		return nil, errors.Errorf("config: field dims %v is empty", f.Dims)
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read field data %s", f.Path)
	}
	want := n * 4
	if len(raw) != want {
		return nil, errors.Errorf("config: field data %s is %d bytes, want %d for dims %v", f.Path, len(raw), want, f.Dims)
	}
	r := binary.NewReader(raw)
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()
	}
	if err := r.Error(); err != nil {
		return nil, errors.Wrapf(err, "config: decode field data %s", f.Path)
	}
	return &kernel.ScalarField{
		Origin:  f.Origin.toVec3(),
		Spacing: f.Spacing.toVec3(),
		Dims:    f.Dims,
		Data:    data,
	}, nil
}

type cameraConfig struct {
	Eye, Dir, Up vec3
	AOV          float32
}

type stopConfig struct {
	Value float32
	Color vec3
}

type lightConfig struct {
	Position, Color vec3
}

// sceneConfig is the positional JSON state file cmd/gxyrender reads (§6):
// every rank in the peer group reads the same file and picks out its own
// entry by Rank, rather than each rank getting a bespoke file, so a single
// state file fully describes one distributed render.
type sceneConfig struct {
	// Rank is this process's index into Peers. Overridden by the -rank
	// flag when set, so the same state file can be reused unmodified
	// across a shell script that launches one process per rank.
	Rank int

	// Peers is the "host:port" address each rank listens for the render
	// mesh on, indexed by rank.
	Peers []string

	// Renderer selects the TerminationHandler/ShadeKernel pairing: "volume"
	// (default) accumulates lit color, "sampler" extracts particle
	// positions instead of pixels, "schlieren" measures ray deflection.
	Renderer string

	Global boxConfig
	Field  fieldConfig
	Camera cameraConfig
	Stops  []stopConfig
	Lights []lightConfig

	Width, Height int
	Frame         int32

	OutputDir  string
	OutputBase string

	Workers       int
	QueueDepth    int
	RaysPerPacket int

	// Dt, Opacity and OpaqueThreshold parametrize kernel.ConstantOpacityVolume;
	// Ambient parametrizes kernel.DirectLighting. A zero Dt or
	// OpaqueThreshold selects ConstantOpacityVolume's default; a zero
	// Opacity or Ambient is used as given (no opacity, no ambient term).
	Dt              float32
	Opacity         float32
	OpaqueThreshold float32
	Ambient         float32

	// Far, CutoffValue and CutoffMode parametrize schlieren.Kernel when
	// Renderer == "schlieren".
	Far         float32
	CutoffValue float32
	CutoffMode  string

	// ShadowEpsilon, AOSamples, AORadius and AOWeight parametrize the
	// secondary (AO/shadow) ray spawn step (§4.6 step 6), only wired when
	// Renderer == "volume". AOSamples == 0 disables AO entirely; shadow
	// rays are spawned whenever Lights is non-empty regardless of AOSamples.
	ShadowEpsilon float32
	AOSamples     int
	AORadius      float32
	AOWeight      float32
}

func loadSceneConfig(path string) (*sceneConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read state file %s", path)
	}
	var cfg sceneConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse state file %s", path)
	}
	if len(cfg.Peers) == 0 {
		return nil, errors.Errorf("config: %s names no peers", path)
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, errors.Errorf("config: rank %d out of range for %d peers", cfg.Rank, len(cfg.Peers))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("config: width/height must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	return &cfg, nil
}

func (c *sceneConfig) colorStops() []kernel.ColorStop {
	stops := make([]kernel.ColorStop, len(c.Stops))
	for i, s := range c.Stops {
		stops[i] = kernel.ColorStop{Value: s.Value, Color: s.Color.toVec3()}
	}
	return stops
}

func (c *sceneConfig) lighting() *kernel.Lighting {
	lights := make([]kernel.Light, len(c.Lights))
	for i, l := range c.Lights {
		lights[i] = kernel.Light{Position: l.Position.toVec3(), Color: l.Color.toVec3()}
	}
	return &kernel.Lighting{Lights: lights}
}
