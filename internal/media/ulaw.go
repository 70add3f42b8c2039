package media

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zaf/g711"
)

// SilenceByte is the ulaw code the realtime endpoint emits for digital
// silence and the fill byte used for padding. 0xFF is also common on the
// wire; the skip check and the padding generator must stay consistent.
const SilenceByte = 0x7F

const (
	// SampleRate is the G.711 sample rate.
	SampleRate = 8000
	bytesPerMS = SampleRate / 1000
)

// Silence returns a ulaw buffer of the given duration filled with
// SilenceByte.
func Silence(d time.Duration) []byte {
	n := int(d.Milliseconds()) * bytesPerMS
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = SilenceByte
	}
	return buf
}

// IsSilence reports whether the buffer is entirely SilenceByte.
// Empty buffers count as silence.
func IsSilence(buf []byte) bool {
	for _, b := range buf {
		if b != SilenceByte {
			return false
		}
	}
	return true
}

// WriteSilencePrimingWAV writes a ulaw-encoded WAV of the given duration,
// suitable as the dialplan priming sound. The audio is true encoded
// silence (zero PCM through the G.711 encoder), not the raw fill byte,
// so Asterisk's WAV loader accepts it.
func WriteSilencePrimingWAV(path string, d time.Duration) error {
	samples := int(d.Milliseconds()) * bytesPerMS
	if samples <= 0 {
		return fmt.Errorf("non-positive duration: %v", d)
	}

	pcm := make([]byte, samples*2) // 16-bit zero PCM
	ulaw := g711.EncodeUlaw(pcm)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sound dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	if err := writeWAVHeader(f, len(ulaw)); err != nil {
		return err
	}
	if _, err := f.Write(ulaw); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// writeWAVHeader writes a canonical 44-byte RIFF header for mono 8 kHz
// ulaw (format 7).
func writeWAVHeader(f *os.File, dataLen int) error {
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 7) // WAVE_FORMAT_MULAW
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], SampleRate) // 1 byte per sample
	binary.LittleEndian.PutUint16(hdr[32:34], 1)
	binary.LittleEndian.PutUint16(hdr[34:36], 8)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))

	if _, err := f.Write(hdr[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}
