package f32

import "testing"

func TestCross3DIsPerpendicularToOperands(t *testing.T) {
	a := Vec3{1, 0, 0}
	b := Vec3{0, 1, 0}
	c := Cross3D(a, b)
	if c != (Vec3{0, 0, 1}) {
		t.Fatalf("expected (0,0,1), got %v", c)
	}
	if Dot3D(c, a) != 0 || Dot3D(c, b) != 0 {
		t.Fatalf("cross product not perpendicular to operands: %v", c)
	}
}

func TestNormalizeProducesUnitMagnitude(t *testing.T) {
	v := Vec3{3, 4, 0}.Normalize()
	if m := v.Magnitude(); Abs(m-1) > 1e-6 {
		t.Fatalf("expected unit magnitude, got %v", m)
	}
}

func TestNormalizeZeroVectorDoesNotProduceNaN(t *testing.T) {
	v := Vec3{0, 0, 0}.Normalize()
	if v != (Vec3{0, 0, 0}) {
		t.Fatalf("expected zero vector unchanged, got %v", v)
	}
}
