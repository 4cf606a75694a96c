package render

// Window is an effective display window in rescaled value space.
type Window struct {
	Center float64
	Width  float64
}

// windowLUT maps one rescaled value to its 8-bit display intensity using the
// standard linear VOI function. invert flips the output for MONOCHROME1 and
// for an explicit invert request.
func windowValue(v float64, w Window, invert bool) uint8 {
	var y float64
	switch {
	case w.Width <= 1:
		// Degenerate window is a threshold at the center.
		if v < w.Center-0.5 {
			y = 0
		} else {
			y = 1
		}
	default:
		y = (v-(w.Center-0.5))/(w.Width-1) + 0.5
		if y < 0 {
			y = 0
		} else if y > 1 {
			y = 1
		}
	}
	if invert {
		y = 1 - y
	}
	return uint8(y*255 + 0.5)
}

// deriveWindow falls back to pixel statistics when neither the request nor
// the instance provides a window: center (min+max)/2, width max-min.
func deriveWindow(values []float64) Window {
	if len(values) == 0 {
		return Window{Center: 128, Width: 256}
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	w := Window{Center: (min + max) / 2, Width: max - min}
	if w.Width < 1 {
		w.Width = 1
	}
	return w
}
