package cloud

// Apply transforms every point of src by the calibration and, when a range
// box is set, drops points that fall outside it. The result is a new frame;
// src is never modified. A nil calibration behaves as Identity.
func (c *Calibration) Apply(src *Frame) *Frame {
	if c == nil {
		c = Identity()
	}
	out := &Frame{Seq: src.Seq, Points: make([]Point, 0, len(src.Points))}
	for _, p := range src.Points {
		x, y, z := c.apply(p.X, p.Y, p.Z)
		if c.Ranges != nil && !c.Ranges.Contains(x, y, z) {
			continue
		}
		out.Points = append(out.Points, Point{X: x, Y: y, Z: z, Intensity: p.Intensity, Timestamp: p.Timestamp})
	}
	return out
}

// ApplyRemapped is the real-time path transform: RemapAxes first, then the
// rotation and translation. The range filter is not applied.
func (c *Calibration) ApplyRemapped(src *Frame) *Frame {
	out := RemapAxes(src)
	if c == nil {
		return out
	}
	for i := range out.Points {
		p := &out.Points[i]
		p.X, p.Y, p.Z = c.apply(p.X, p.Y, p.Z)
	}
	return out
}

// RemapAxes converts sensor axes to world axes: x' = -y, y' = x, z' = z.
// It returns a new frame.
func RemapAxes(src *Frame) *Frame {
	out := &Frame{Seq: src.Seq, Points: make([]Point, len(src.Points))}
	for i, p := range src.Points {
		out.Points[i] = Point{X: -p.Y, Y: p.X, Z: p.Z, Intensity: p.Intensity, Timestamp: p.Timestamp}
	}
	return out
}
