// Package wav reads and writes 16-bit PCM WAV files. The reader feeds the
// simulate pipeline: it slices a file into the same 20 ms mono frames the
// microphone produces, so recorded utterances exercise the full detection
// path.
package wav

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Header holds the fields of a parsed WAV header we care about.
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader decodes a WAV file into capture-shaped frames.
type Reader struct {
	file   *os.File
	header Header
}

// NewReader opens and validates a WAV file. Only 16-bit PCM at 16 kHz is
// accepted; mono passes through, stereo is downmixed.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "wav", err, "open")
	}

	r := &Reader{file: file}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// ReadFrames decodes the whole data chunk as sequential 20 ms frames.
// The final partial frame is zero-padded. Timestamps count milliseconds
// from the start of the file and sequence numbers from zero, matching the
// capture path.
func (r *Reader) ReadFrames() ([]audio.Frame, error) {
	bytesPerSample := int(r.header.BitsPerSample) / 8
	frameBytes := audio.FrameSamples20ms * int(r.header.NumChannels) * bytesPerSample

	var frames []audio.Frame
	buf := make([]byte, frameBytes)
	seq := uint32(0)

	for {
		n, err := io.ReadFull(r.file, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fault.Wrap(fault.AudioProcessing, "wav", err, "read data")
		}
		for i := n; i < frameBytes; i++ {
			buf[i] = 0
		}

		samples := decodeSamples(buf, int(r.header.NumChannels))
		frames = append(frames, audio.Frame{
			Samples:   samples,
			Seq:       seq,
			Timestamp: seq * uint32(audio.FrameSamples20ms*1000/audio.SampleRate),
		})
		seq++

		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	return frames, nil
}

// decodeSamples converts little-endian PCM bytes to mono int16, averaging
// channel pairs for stereo input.
func decodeSamples(buf []byte, channels int) []int16 {
	out := make([]int16, audio.FrameSamples20ms)
	for i := 0; i < audio.FrameSamples20ms; i++ {
		if channels == 1 {
			out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			continue
		}
		off := i * channels * 2
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(int16(binary.LittleEndian.Uint16(buf[off+ch*2:])))
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(r.file, riff[:]); err != nil {
		return fault.Wrap(fault.AudioProcessing, "wav", err, "read riff")
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return fault.New(fault.InvalidArgument, "wav", "not a RIFF/WAVE file")
	}
	r.header.ChunkSize = binary.LittleEndian.Uint32(riff[4:8])

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.seekDataChunk(); err != nil {
		return err
	}

	if r.header.BitsPerSample != 16 {
		return fault.Newf(fault.InvalidArgument, "wav",
			"only 16-bit samples supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels != 1 && r.header.NumChannels != 2 {
		return fault.Newf(fault.InvalidArgument, "wav",
			"only mono and stereo supported, got %d channels", r.header.NumChannels)
	}
	if r.header.SampleRate != audio.SampleRate {
		return fault.Newf(fault.InvalidArgument, "wav",
			"only %d Hz supported, got %d Hz", audio.SampleRate, r.header.SampleRate)
	}
	return nil
}

func (r *Reader) readFmtChunk() error {
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r.file, ch[:]); err != nil {
			return fault.Wrap(fault.AudioProcessing, "wav", err, "read chunk")
		}
		id := string(ch[0:4])
		size := binary.LittleEndian.Uint32(ch[4:8])

		if id != "fmt " {
			if _, err := r.file.Seek(int64(size), io.SeekCurrent); err != nil {
				return fault.Wrap(fault.AudioProcessing, "wav", err, "skip chunk")
			}
			continue
		}

		if size < 16 {
			return fault.Newf(fault.InvalidArgument, "wav", "fmt chunk too small: %d bytes", size)
		}
		var data [16]byte
		if _, err := io.ReadFull(r.file, data[:]); err != nil {
			return fault.Wrap(fault.AudioProcessing, "wav", err, "read fmt")
		}
		if format := binary.LittleEndian.Uint16(data[0:2]); format != 1 {
			return fault.Newf(fault.InvalidArgument, "wav", "only PCM supported, got format %d", format)
		}
		r.header.NumChannels = binary.LittleEndian.Uint16(data[2:4])
		r.header.SampleRate = binary.LittleEndian.Uint32(data[4:8])
		r.header.BitsPerSample = binary.LittleEndian.Uint16(data[14:16])

		if size > 16 {
			if _, err := r.file.Seek(int64(size-16), io.SeekCurrent); err != nil {
				return fault.Wrap(fault.AudioProcessing, "wav", err, "skip fmt")
			}
		}
		return nil
	}
}

// seekDataChunk leaves the file positioned at the first audio byte.
func (r *Reader) seekDataChunk() error {
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r.file, ch[:]); err != nil {
			return fault.Wrap(fault.AudioProcessing, "wav", err, "read chunk")
		}
		id := string(ch[0:4])
		size := binary.LittleEndian.Uint32(ch[4:8])

		if id == "data" {
			r.header.DataSize = size
			return nil
		}
		if _, err := r.file.Seek(int64(size), io.SeekCurrent); err != nil {
			return fault.Wrap(fault.AudioProcessing, "wav", err, "skip chunk")
		}
	}
}
