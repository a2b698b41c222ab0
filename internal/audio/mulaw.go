package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// PCM16ToMulaw encodes little-endian PCM16 as G.711 μ-law, one byte per sample.
func PCM16ToMulaw(pcm []byte) []byte {
	samples := Samples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

// MulawToPCM16 decodes G.711 μ-law bytes into little-endian PCM16.
func MulawToPCM16(ulaw []byte) []byte {
	samples := make([]int16, len(ulaw))
	for i, b := range ulaw {
		samples[i] = mulawToLinear(b)
	}
	return Bytes(samples)
}

func linearToMulaw(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (v >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	v := (int(mant)<<3 + mulawBias) << exp
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}
