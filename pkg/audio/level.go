package audio

// levelStride is the frame stride used by [Level].
const levelStride = 100

// Level returns the mean absolute amplitude of the first channel of b,
// sampled every 100th frame. The result is in [0, 1] and drives the orb
// visualisation on the UI side.
func Level(b PlaybackBuffer) float64 {
	ch := b.Channels
	if ch < 1 {
		ch = 1
	}
	frames := b.Frames()
	if frames == 0 {
		return 0
	}
	var sum float64
	var n int
	for i := 0; i < frames; i += levelStride {
		s := b.Samples[i*ch]
		if s < 0 {
			s = -s
		}
		sum += float64(s)
		n++
	}
	return sum / float64(n)
}

// OrbRadius maps a [Level] value onto the orb radius in pixels. The orb is
// drawn smaller when video is shown so it does not cover the picture.
func OrbRadius(level float64, videoShown bool) float64 {
	if videoShown {
		return 30 + level*150
	}
	return 50 + level*500
}
