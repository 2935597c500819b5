// Command ancfile runs the noise suppression pipeline over a mono WAV
// file, writing the anti-noise output to a second WAV file.
//
// Usage:
//
//	ancfile -in noisy.wav -out antinoise.wav [flags]
//
// Examples:
//
//	ancfile -in cabin.wav -out out.wav -stages 40:2:-15,120:1.5:-9
//	ancfile -in hum.wav -out out.wav -mix invert -probe 50
//	ancfile -in noisy.wav -out out.wav -mix prediction -frame 512 -pattern 256
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cwbudde/algo-anc/anc"
	"github.com/cwbudde/algo-anc/dsp/eq"
	"github.com/cwbudde/algo-anc/dsp/spectrum"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	inPath := flag.String("in", "", "input WAV file (mono PCM)")
	outPath := flag.String("out", "", "output WAV file")
	frameSize := flag.Int("frame", 256, "frame size in samples")
	patternLen := flag.Int("pattern", 128, "pattern matching window in samples")
	historyCap := flag.Int("history", 512, "pattern history capacity in frames")
	mixName := flag.String("mix", "blend", "mix law: blend, prediction or invert")
	stagesSpec := flag.String("stages", "", "filter stages as freq:q:gain[,freq:q:gain...]")
	delayMs := flag.Float64("delay", 0, "output delay in milliseconds")
	gain := flag.Float64("gain", 1.0, "output gain (linear)")
	noLimiter := flag.Bool("no-limiter", false, "disable the output limiter")
	window := flag.Int("window", 0, "search window in frames (0 = full history)")
	stride := flag.Int("stride", 1, "pattern matching stride in samples")
	probeHz := flag.Float64("probe", 0, "report in/out level at this frequency in Hz (0 = off)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ancfile -in noisy.wav -out antinoise.wav [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the predictive noise suppression pipeline over a mono WAV file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ancfile -in cabin.wav -out out.wav -stages 40:2:-15,120:1.5:-9\n")
		fmt.Fprintf(os.Stderr, "  ancfile -in hum.wav -out out.wav -mix invert -probe 50\n")
	}
	flag.Parse()

	if *inPath == "" || *outPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	mixLaw, err := anc.ParseMixLaw(*mixName)
	if err != nil {
		return err
	}

	stages, err := parseStages(*stagesSpec)
	if err != nil {
		return err
	}

	inFile, err := os.Open(*inPath)
	if err != nil {
		return err
	}
	defer inFile.Close()

	dec := wav.NewDecoder(inFile)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s: not a valid WAV file", *inPath)
	}

	if err := dec.FwdToPCM(); err != nil {
		return fmt.Errorf("%s: read PCM data: %w", *inPath, err)
	}

	if dec.NumChans != 1 {
		return fmt.Errorf("%s: input must be mono, has %d channels", *inPath, dec.NumChans)
	}

	sampleRate := float64(dec.SampleRate)
	bitDepth := int(dec.BitDepth)

	outFile, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	enc := wav.NewEncoder(outFile, int(dec.SampleRate), bitDepth, 1, 1)

	source := &wavSource{
		dec:   dec,
		buf:   &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: int(dec.SampleRate)}},
		scale: 1 / math.Exp2(float64(bitDepth-1)),
	}

	sink := &wavSink{
		enc:   enc,
		buf:   &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: int(dec.SampleRate)}},
		scale: math.Exp2(float64(bitDepth - 1)),
	}

	if *probeHz > 0 {
		if source.probe, err = spectrum.NewGoertzel(*probeHz, sampleRate); err != nil {
			return err
		}

		if sink.probe, err = spectrum.NewGoertzel(*probeHz, sampleRate); err != nil {
			return err
		}
	}

	opts := []anc.Option{
		anc.WithSampleRate(sampleRate),
		anc.WithFrameSize(*frameSize),
		anc.WithPatternLength(*patternLen),
		anc.WithHistoryCapacity(*historyCap),
		anc.WithMixLaw(mixLaw),
		anc.WithFilterStages(stages...),
		anc.WithDelay(*delayMs / 1000),
		anc.WithOutputGain(*gain),
		anc.WithSearchScope(*window, *stride),
	}
	if *noLimiter {
		opts = append(opts, anc.WithoutLimiter())
	}

	p, err := anc.New(opts...)
	if err != nil {
		return err
	}

	if err := p.Start(source, sink); err != nil {
		return err
	}

	if err := p.Run(); err != nil {
		return err
	}

	if err := p.Stop(); err != nil {
		return err
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("%s: finalize WAV: %w", *outPath, err)
	}

	stats := p.Stats()
	fmt.Printf("frames processed: %d\n", stats.FramesProcessed)

	if stats.Faults > 0 {
		fmt.Printf("recovered faults: %d (last: %s)\n", stats.Faults, stats.LastFault)
	}

	if sink.clipped > 0 {
		fmt.Printf("clipped samples:  %d\n", sink.clipped)
	}

	if *probeHz > 0 {
		in := source.probe.Magnitude()
		out := sink.probe.Magnitude()
		fmt.Printf("level at %.1f Hz: in=%.4f out=%.4f (%.2f dB)\n",
			*probeHz, in, out, levelDB(out, in))
	}

	return nil
}

// parseStages parses "freq:q:gain" triples separated by commas.
func parseStages(spec string) ([]eq.Stage, error) {
	if spec == "" {
		return nil, nil
	}

	parts := strings.Split(spec, ",")
	stages := make([]eq.Stage, 0, len(parts))

	for _, part := range parts {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("stage %q: want freq:q:gain", part)
		}

		vals := make([]float64, 3)
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", part, err)
			}

			vals[i] = v
		}

		stages = append(stages, eq.Stage{FreqHz: vals[0], Q: vals[1], GainDB: vals[2]})
	}

	return stages, nil
}

func levelDB(out, in float64) float64 {
	if in <= 0 || out <= 0 {
		return math.Inf(-1)
	}

	return 20 * math.Log10(out/in)
}

// wavSource adapts a WAV decoder to the pipeline's frame source.
type wavSource struct {
	dec   *wav.Decoder
	buf   *audio.IntBuffer
	scale float64
	probe *spectrum.Goertzel
}

func (s *wavSource) ReadFrame(dst []float64) (int, error) {
	if len(s.buf.Data) != len(dst) {
		s.buf.Data = make([]int, len(dst))
	}

	n, err := s.dec.PCMBuffer(s.buf)
	for i := 0; i < n; i++ {
		dst[i] = float64(s.buf.Data[i]) * s.scale
	}

	if s.probe != nil {
		s.probe.ProcessBlock(dst[:n])
	}

	if err != nil {
		return n, fmt.Errorf("decode PCM: %w", err)
	}

	if n < len(dst) {
		return n, io.EOF
	}

	return n, nil
}

// wavSink adapts a WAV encoder to the pipeline's frame sink. Samples
// outside the integer range are clipped and counted.
type wavSink struct {
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	scale   float64
	clipped int
	probe   *spectrum.Goertzel
}

func (s *wavSink) WriteFrame(frame []float64) error {
	if s.probe != nil {
		s.probe.ProcessBlock(frame)
	}

	if cap(s.buf.Data) < len(frame) {
		s.buf.Data = make([]int, len(frame))
	}

	s.buf.Data = s.buf.Data[:len(frame)]

	for i, x := range frame {
		v := math.Round(x * s.scale)
		if v > s.scale-1 {
			v = s.scale - 1
			s.clipped++
		} else if v < -s.scale {
			v = -s.scale
			s.clipped++
		}

		s.buf.Data[i] = int(v)
	}

	return s.enc.Write(s.buf)
}
