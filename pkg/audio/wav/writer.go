package wav

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Writer produces mono 16-bit PCM WAV files. Used by the simulate command
// to dump captured or synthesized audio for offline inspection.
type Writer struct {
	file           *os.File
	sampleRate     uint32
	samplesWritten uint32
}

// NewWriter creates a WAV file at the given sample rate. The header is
// finalized on Close.
func NewWriter(filename string, sampleRate uint32) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fault.Wrap(fault.AudioProcessing, "wav", err, "create")
	}
	w := &Writer{file: file, sampleRate: sampleRate}
	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, fault.Wrap(fault.AudioProcessing, "wav", err, "write header")
	}
	return w, nil
}

// WriteFrame appends one capture frame.
func (w *Writer) WriteFrame(frame audio.Frame) error {
	return w.WriteSamples(frame.Samples)
}

// WriteSamples appends raw samples.
func (w *Writer) WriteSamples(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if _, err := w.file.Write(buf); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "write data")
	}
	w.samplesWritten += uint32(len(samples))
	return nil
}

// WriteTone appends a sine tone at half amplitude. Handy for generating
// playback test fixtures.
func (w *Writer) WriteTone(frequency float64, durationMs int) error {
	n := int(w.sampleRate) * durationMs / 1000
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(w.sampleRate)
		samples[i] = int16(math.Sin(2*math.Pi*frequency*t) * 32767 * 0.5)
	}
	return w.WriteSamples(samples)
}

// Close patches the header sizes and closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	dataSize := w.samplesWritten * 2
	chunkSize := dataSize + 36

	if _, err := w.file.Seek(4, 0); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "seek chunk size")
	}
	if err := binary.Write(w.file, binary.LittleEndian, chunkSize); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "write chunk size")
	}
	if _, err := w.file.Seek(40, 0); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "seek data size")
	}
	if err := binary.Write(w.file, binary.LittleEndian, dataSize); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "write data size")
	}

	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) writeHeader() error {
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	// hdr[4:8] chunk size, patched on Close
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], w.sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], w.sampleRate*2) // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 2)              // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 16)             // bits per sample
	copy(hdr[36:40], "data")
	// hdr[40:44] data size, patched on Close
	_, err := w.file.Write(hdr[:])
	return err
}
