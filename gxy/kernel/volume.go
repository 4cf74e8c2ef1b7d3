package kernel

import (
	"context"

	"github.com/gxy-project/gxy/core/math/f32"
	"github.com/gxy-project/gxy/gxy/raylist"
)

// ConstantOpacityVolume is a minimal reference TraceKernel: it steps each
// ray through vis.Field at a fixed parametric increment Dt, accumulating
// front-to-back color via vis.Colormap and a constant per-step opacity,
// stopping when the ray saturates to OpaqueThreshold, exceeds its tMax, or
// leaves the local sub-box. Not a production volume renderer -- no
// adaptive stepping, no gradient shading, no empty-space skipping -- but
// enough to exercise the full trace/classify/forward loop end-to-end for
// the volume scenario described in spec.md §8 scenario 1.
type ConstantOpacityVolume struct {
	// Dt is the fixed parametric step size.
	Dt float32
	// Opacity is the per-unit-length opacity contributed by a fully-dense
	// sample; the per-step contribution is Opacity*Dt.
	Opacity float32
	// OpaqueThreshold is the accumulated alpha above which a ray is
	// considered to have hit an opaque surface and stops early. Zero
	// selects a default of 0.995.
	OpaqueThreshold float32
}

func (k *ConstantOpacityVolume) threshold() float32 {
	if k.OpaqueThreshold <= 0 {
		return 0.995
	}
	return k.OpaqueThreshold
}

// Trace implements TraceKernel. Primary rays accumulate front-to-back
// color/opacity as they step through the field, saturating to an opaque
// surface hit. Secondary (AO/shadow) rays run the same stepping loop but
// as a binary occlusion test: the first non-negligible sample encountered
// marks the ray SURFACE (occluded) rather than accumulating toward a
// threshold, since an occlusion test only cares whether anything was in
// the way, not how much -- the light/AO weight the ray carries if it
// survives unoccluded was already written onto R/G/B/O at spawn time
// (gxy/trace's SpawnSecondaries) and this kernel leaves it untouched.
func (k *ConstantOpacityVolume) Trace(ctx context.Context, vis *Visualization, rl *raylist.RayList) error {
	box := vis.LocalBox()
	fuzz := vis.Partitioning.Fuzz()
	dt := k.Dt
	if dt <= 0 {
		dt = 0.01
	}
	step := k.Opacity * dt
	if step < 0 {
		step = 0
	}
	threshold := k.threshold()
	occlusionTest := rl.Header.Type == raylist.Secondary

	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.Class(rl.Classification[i]) != raylist.Undetermined {
			continue
		}

		o := rl.Origin(i)
		d := rl.Direction(i)
		t := rl.T[i]
		tMax := rl.TMax[i]
		r, g, b, a := rl.R[i], rl.G[i], rl.B[i], rl.O[i]

		var term raylist.TermFlag
		for {
			pos := f32.Add3D(o, d.Scale(t))
			if !box.Contains(pos, fuzz) {
				_, exitT := vis.Partitioning.ExitFace(box, o, d, tMax)
				t = exitT
				term = raylist.FlagBoundary
				break
			}
			if t >= tMax {
				term = raylist.FlagTimeout
				break
			}
			if sample, ok := vis.Field.Sample(pos); ok && step > 0 && sample > 0 {
				if occlusionTest {
					term = raylist.FlagSurface
					break
				}
				c := vis.Colormap.Eval(sample)
				contribA := step * sample * (1 - a)
				r += c[0] * contribA
				g += c[1] * contribA
				b += c[2] * contribA
				a += contribA
				if a >= threshold {
					term = raylist.FlagSurface | raylist.FlagOpaque
					rl.Sr[i], rl.Sg[i], rl.Sb[i], rl.So[i] = c[0], c[1], c[2], contribA
					break
				}
			}
			t += dt
		}

		rl.T[i] = t
		rl.Term[i] = int32(term)
		if !occlusionTest {
			rl.R[i], rl.G[i], rl.B[i], rl.O[i] = r, g, b, a
		}
	}
	return nil
}

// DirectLighting is a minimal reference ShadeKernel: at every ray whose
// Term carries FlagSurface, it applies a single-point-light Lambertian
// term per light in lights, using the surface color the trace step wrote
// into Sr/Sg/Sb and the ray's normal, folding the result into the
// accumulated R/G/B. gxy/trace's secondary-ray spawn step computes its own
// per-light contribution for each shadow ray and does not read this result.
type DirectLighting struct {
	// Ambient is added regardless of light visibility, so a surface is
	// never fully black before shadow rays are resolved.
	Ambient float32
}

// Shade implements ShadeKernel.
func (k *DirectLighting) Shade(ctx context.Context, lights *Lighting, rl *raylist.RayList) error {
	n := rl.Len()
	for i := 0; i < n; i++ {
		if raylist.TermFlag(rl.Term[i])&raylist.FlagSurface == 0 {
			continue
		}
		surface := f32.Vec3{rl.Sr[i], rl.Sg[i], rl.Sb[i]}
		if surface == (f32.Vec3{}) {
			continue
		}
		normal := f32.Vec3{rl.Nx[i], rl.Ny[i], rl.Nz[i]}.Normalize()
		hit := f32.Add3D(rl.Origin(i), rl.Direction(i).Scale(rl.T[i]))

		total := surface.Scale(k.Ambient)
		for _, lt := range lights.Lights {
			toLight := f32.Sub3D(lt.Position, hit)
			dist := toLight.Magnitude()
			if dist == 0 {
				continue
			}
			ldir := toLight.Scale(1 / dist)
			ndotl := f32.Dot3D(normal, ldir)
			if ndotl < 0 {
				continue
			}
			total = f32.Add3D(total, f32.MulElem3D(surface, lt.Color).Scale(ndotl))
		}

		rl.R[i] += total[0]
		rl.G[i] += total[1]
		rl.B[i] += total[2]
	}
	return nil
}
