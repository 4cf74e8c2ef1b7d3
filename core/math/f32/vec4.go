package f32

// Vec4 is a four element vector of float32, in the order X, Y, Z, W.
type Vec4 [4]float32

// XYZ truncates v to its first three components.
func (v Vec4) XYZ() Vec3 { return Vec3{v[0], v[1], v[2]} }
