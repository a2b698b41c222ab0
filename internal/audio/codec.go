// Package audio holds the stateless PCM16 helpers shared by every edge:
// chunking for paced sends, linear resampling, G.711 μ-law conversion and WAV
// framing for review artifacts.
package audio

import (
	"encoding/binary"
	"iter"
	"time"
)

const (
	// BytesPerSample is the width of one PCM16 mono sample.
	BytesPerSample = 2

	DefaultSampleRate   = 16000
	TelephonySampleRate = 8000
)

// ChunkSize returns the byte size of a chunkMS slice at sampleRate, rounded
// down to whole samples and never smaller than one sample.
func ChunkSize(chunkMS, sampleRate int) int {
	n := sampleRate * BytesPerSample * chunkMS / 1000
	n &^= 1
	if n < BytesPerSample {
		n = BytesPerSample
	}
	return n
}

// Chunks yields consecutive slices of pcm of ChunkSize bytes; the final slice
// may be shorter. Slices alias pcm.
func Chunks(pcm []byte, chunkMS, sampleRate int) iter.Seq[[]byte] {
	size := ChunkSize(chunkMS, sampleRate)
	return func(yield func([]byte) bool) {
		for off := 0; off < len(pcm); off += size {
			end := min(off+size, len(pcm))
			if !yield(pcm[off:end]) {
				return
			}
		}
	}
}

// Chunk is the slice form of Chunks.
func Chunk(pcm []byte, chunkMS, sampleRate int) [][]byte {
	out := make([][]byte, 0, len(pcm)/ChunkSize(chunkMS, sampleRate)+1)
	for c := range Chunks(pcm, chunkMS, sampleRate) {
		out = append(out, c)
	}
	return out
}

// Duration is the playback length of n PCM16 bytes at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate*BytesPerSample)
}

// Silence returns ms milliseconds of zeroed PCM16.
func Silence(ms, sampleRate int) []byte {
	n := sampleRate * BytesPerSample * ms / 1000
	return make([]byte, n&^1)
}

// Samples decodes little-endian PCM16 bytes. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// Resample converts PCM16 mono from fromSR to toSR by linear interpolation on
// the reduced ratio up:down. The output holds round(n*up/down) samples.
// Equal rates return a copy of pcm.
func Resample(pcm []byte, fromSR, toSR int) []byte {
	if fromSR == toSR || fromSR <= 0 || toSR <= 0 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	g := gcd(fromSR, toSR)
	up, down := toSR/g, fromSR/g

	in := Samples(pcm)
	if len(in) == 0 {
		return []byte{}
	}
	n := (len(in)*up + down/2) / down
	if n == 0 {
		return []byte{}
	}
	out := make([]int16, n)
	last := len(in) - 1
	for i := range out {
		// Source position i*down/up, kept as integer part + remainder over up.
		pos := i * down
		idx, rem := pos/up, pos%up
		if idx >= last {
			out[i] = in[last]
			continue
		}
		a, b := int(in[idx]), int(in[idx+1])
		out[i] = int16(a + (b-a)*rem/up)
	}
	return Bytes(out)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
