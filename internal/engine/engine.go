// Package engine drives the platform audio devices: it reads interleaved
// float32 samples from capture devices, runs them through an optional DSP
// chain and the Opus encoder, and feeds the result to a sender; on the
// other side it decodes incoming payloads, threads them through a jitter
// buffer, and writes the result to playback devices. PortAudio and Opus are
// both reached through small interfaces so the pipeline can be exercised
// without real hardware or a real codec.
package engine

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"landaudio/internal/dsp/agc"
	"landaudio/internal/dsp/noisegate"
	"landaudio/internal/dsp/vad"
	"landaudio/internal/jitter"
	"landaudio/internal/levelmeter"
	"landaudio/internal/protocol"
	"landaudio/internal/ring"

	"github.com/gordonklaus/portaudio"
	opuscodec "gopkg.in/hraban/opus.v2"
)

// Adaptive backoff thresholds shared by the encode and decode worker loops,
// mirroring the receiver package's empty-poll escalation so neither worker
// pins a CPU core while idle.
const (
	spinThreshold  = 10
	yieldThreshold = 100
	sleepInterval  = 50 * time.Microsecond
)

const (
	opusMaxPacketBytes  = 1275 // RFC 6716 max Opus packet size
	rawRingCapacity     = 8
	decodedRingCapacity = 32
)

var (
	// ErrNoDevice is returned when a requested device index is out of range
	// or no default device can be found.
	ErrNoDevice = errors.New("engine: no such device")
)

// Device describes one audio device available to the engine.
type Device struct {
	ID                int
	Name              string
	IsInput           bool
	IsOutput          bool
	IsDefaultInput    bool
	IsDefaultOutput   bool
	MaxInputs         int
	MaxOutputs        int
	DefaultSampleRate float64
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// opusEncoder abstracts Opus encoding for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// backend opens real or fake capture/playback streams and codecs. The
// production implementation wraps gordonklaus/portaudio and
// gopkg.in/hraban/opus.v2; tests supply a fake so the pipeline can run
// without hardware.
type backend interface {
	Devices() ([]Device, error)
	DefaultInputDevice() (int, error)
	DefaultOutputDevice() (int, error)
	OpenCapture(deviceID int, sampleRate float64, channels, framesPerBuffer int) (paStream, []float32, error)
	OpenPlayback(deviceID int, sampleRate float64, channels, framesPerBuffer int) (paStream, []float32, error)
	NewEncoder(sampleRate, channels int, class protocol.TrackType) (opusEncoder, error)
	NewDecoder(sampleRate, channels int) (opusDecoder, error)
}

// portaudioBackend is the production backend.
type portaudioBackend struct{}

func (portaudioBackend) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()
	out := make([]Device, 0, len(infos))
	for i, info := range infos {
		out = append(out, Device{
			ID:                i,
			Name:              info.Name,
			IsInput:           info.MaxInputChannels > 0,
			IsOutput:          info.MaxOutputChannels > 0,
			IsDefaultInput:    defIn != nil && info.Name == defIn.Name,
			IsDefaultOutput:   defOut != nil && info.Name == defOut.Name,
			MaxInputs:         info.MaxInputChannels,
			MaxOutputs:        info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		})
	}
	return out, nil
}

func (portaudioBackend) DefaultInputDevice() (int, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return 0, err
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return 0, err
	}
	return indexOf(infos, dev)
}

func (portaudioBackend) DefaultOutputDevice() (int, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return 0, err
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return 0, err
	}
	return indexOf(infos, dev)
}

func indexOf(infos []*portaudio.DeviceInfo, target *portaudio.DeviceInfo) (int, error) {
	for i, info := range infos {
		if info == target {
			return i, nil
		}
	}
	return 0, ErrNoDevice
}

func (portaudioBackend) OpenCapture(deviceID int, sampleRate float64, channels, framesPerBuffer int) (paStream, []float32, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, nil, err
	}
	if deviceID < 0 || deviceID >= len(infos) {
		return nil, nil, ErrNoDevice
	}
	dev := infos[deviceID]
	buf := make([]float32, framesPerBuffer*channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

func (portaudioBackend) OpenPlayback(deviceID int, sampleRate float64, channels, framesPerBuffer int) (paStream, []float32, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, nil, err
	}
	if deviceID < 0 || deviceID >= len(infos) {
		return nil, nil, ErrNoDevice
	}
	dev := infos[deviceID]
	buf := make([]float32, framesPerBuffer*channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

// opusApplication maps a track's application class to the Opus tuning mode
// that best matches it.
func opusApplication(class protocol.TrackType) opuscodec.Application {
	switch class {
	case protocol.TrackTypeLowLatency:
		return opuscodec.AppRestrictedLowdelay
	case protocol.TrackTypeMusic:
		return opuscodec.AppAudio
	default:
		return opuscodec.AppVoIP
	}
}

func (portaudioBackend) NewEncoder(sampleRate, channels int, class protocol.TrackType) (opusEncoder, error) {
	enc, err := opuscodec.NewEncoder(sampleRate, channels, opusApplication(class))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (portaudioBackend) NewDecoder(sampleRate, channels int) (opusDecoder, error) {
	return opuscodec.NewDecoder(sampleRate, channels)
}

// Engine owns the platform audio backend and the set of active per-track
// capture and playback pipelines.
type Engine struct {
	backend backend

	mu       sync.Mutex
	captures map[uint8]*CaptureTrack
	playouts map[uint8]*PlaybackTrack
}

// New returns an Engine backed by real PortAudio devices and a real Opus
// codec. PortAudio's own Initialize/Terminate lifecycle is left to the
// process entrypoint, since it is global to the process rather than per
// Engine.
func New() *Engine {
	return &Engine{
		backend:  portaudioBackend{},
		captures: make(map[uint8]*CaptureTrack),
		playouts: make(map[uint8]*PlaybackTrack),
	}
}

// ListInputDevices returns every device that supports capture.
func (e *Engine) ListInputDevices() ([]Device, error) {
	devices, err := e.backend.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.IsInput {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListOutputDevices returns every device that supports playback.
func (e *Engine) ListOutputDevices() ([]Device, error) {
	devices, err := e.backend.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.IsOutput {
			out = append(out, d)
		}
	}
	return out, nil
}

// DefaultInput returns the device index of the system default capture
// device.
func (e *Engine) DefaultInput() (int, error) {
	return e.backend.DefaultInputDevice()
}

// DefaultOutput returns the device index of the system default playback
// device.
func (e *Engine) DefaultOutput() (int, error) {
	return e.backend.DefaultOutputDevice()
}

// SendFunc hands an encoded payload off to the network sender. It mirrors
// MultiTrack.SendAudio's signature so an Engine can be wired directly to a
// sender.MultiTrack without an adapter.
type SendFunc func(trackID uint8, payload []byte, timestamp uint64, stereo bool) uint32

// StartCapture opens deviceID for capture and begins encoding track's audio,
// handing each encoded frame to send. The returned level meter is safe to
// poll from a UI goroutine.
func (e *Engine) StartCapture(trackID uint8, deviceID int, cfg protocol.TrackConfig, send SendFunc) (*levelmeter.Meter, error) {
	channels := int(cfg.Channels)
	if channels != 1 && channels != 2 {
		channels = 1
	}
	frameSamples := frameSizeSamples(cfg.FrameSizeMs, DefaultSampleRate)

	stream, buf, err := e.backend.OpenCapture(deviceID, DefaultSampleRate, channels, frameSamples)
	if err != nil {
		return nil, fmt.Errorf("engine: open capture device %d: %w", deviceID, err)
	}
	enc, err := e.backend.NewEncoder(DefaultSampleRate, channels, cfg.TrackType)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("engine: new encoder: %w", err)
	}
	enc.SetBitrate(int(cfg.Bitrate))
	enc.SetDTX(true)
	enc.SetInBandFEC(cfg.FECEnabled)
	enc.SetPacketLossPerc(5)

	ct := &CaptureTrack{
		trackID:      trackID,
		stream:       stream,
		streamBuf:    buf,
		pcm:          make([]int16, len(buf)),
		opusBuf:      make([]byte, opusMaxPacketBytes),
		encoder:      enc,
		channels:     channels,
		frameSamples: frameSamples,
		raw:          ring.New(rawRingCapacity),
		meter:        levelmeter.New(),
		gate:         noisegate.New(float64(cfg.FrameSizeMs)),
		agcProc:      agc.New(float64(cfg.FrameSizeMs)),
		vadProc:      vad.New(float64(cfg.FrameSizeMs)),
		stopCh:       make(chan struct{}),
	}
	ct.gate.SetEnabled(false)
	ct.agcEnabled.Store(false)
	ct.vadProc.SetEnabled(false)

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("engine: start capture stream: %w", err)
	}

	ct.running.Store(true)
	ct.wg.Add(2)
	go ct.captureLoop()
	go ct.encodeLoop(send)

	e.mu.Lock()
	e.captures[trackID] = ct
	e.mu.Unlock()

	return ct.meter, nil
}

// Capture returns the running capture pipeline for trackID, if any, so
// callers can toggle its DSP stages.
func (e *Engine) Capture(trackID uint8) (*CaptureTrack, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ct, ok := e.captures[trackID]
	return ct, ok
}

// StopCapture halts and releases the capture pipeline for trackID.
func (e *Engine) StopCapture(trackID uint8) {
	e.mu.Lock()
	ct, ok := e.captures[trackID]
	if ok {
		delete(e.captures, trackID)
	}
	e.mu.Unlock()
	if ok {
		ct.stop()
	}
}

// StartPlayback opens deviceID for playback and begins decoding packets
// pulled from incoming into jittered, device-rate audio.
func (e *Engine) StartPlayback(trackID uint8, deviceID int, cfg protocol.TrackConfig, incoming <-chan ReceivedPayload) (*levelmeter.Meter, error) {
	channels := int(cfg.Channels)
	if channels != 1 && channels != 2 {
		channels = 1
	}
	frameSamples := frameSizeSamples(cfg.FrameSizeMs, DefaultSampleRate)

	stream, buf, err := e.backend.OpenPlayback(deviceID, DefaultSampleRate, channels, frameSamples)
	if err != nil {
		return nil, fmt.Errorf("engine: open playback device %d: %w", deviceID, err)
	}
	dec, err := e.backend.NewDecoder(DefaultSampleRate, channels)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("engine: new decoder: %w", err)
	}

	pt := &PlaybackTrack{
		trackID:      trackID,
		stream:       stream,
		streamBuf:    buf,
		pcm:          make([]int16, len(buf)),
		decoder:      dec,
		channels:     channels,
		frameSamples: frameSamples,
		incoming:     incoming,
		jb:           jitter.New(jitterCapacity, jitterMinDelay),
		decoded:      ring.New(decodedRingCapacity),
		meter:        levelmeter.New(),
		frameDur:     time.Duration(float64(frameSamples) / DefaultSampleRate * float64(time.Second)),
		stopCh:       make(chan struct{}),
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("engine: start playback stream: %w", err)
	}

	pt.running.Store(true)
	pt.wg.Add(3)
	go pt.decodeLoop()
	go pt.playoutLoop()
	go pt.playbackLoop()

	e.mu.Lock()
	e.playouts[trackID] = pt
	e.mu.Unlock()

	return pt.meter, nil
}

// SetCaptureBitrate retunes the Opus encoder of an active capture track to
// bps bits per second. Returns false if trackID has no running capture.
func (e *Engine) SetCaptureBitrate(trackID uint8, bps int) bool {
	e.mu.Lock()
	ct, ok := e.captures[trackID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if err := ct.SetBitrate(bps); err != nil {
		log.Printf("engine: track %d set bitrate %d: %v", trackID, bps, err)
	}
	return true
}

// PlaybackStats returns the jitter buffer statistics of an active playback
// track, for the adaptation loop and the control plane.
func (e *Engine) PlaybackStats(trackID uint8) (jitter.Stats, bool) {
	e.mu.Lock()
	pt, ok := e.playouts[trackID]
	e.mu.Unlock()
	if !ok {
		return jitter.Stats{}, false
	}
	pt.jbMu.Lock()
	defer pt.jbMu.Unlock()
	return pt.jb.Stats(), true
}

// StopPlayback halts and releases the playback pipeline for trackID.
func (e *Engine) StopPlayback(trackID uint8) {
	e.mu.Lock()
	pt, ok := e.playouts[trackID]
	if ok {
		delete(e.playouts, trackID)
	}
	e.mu.Unlock()
	if ok {
		pt.stop()
	}
}

// DefaultSampleRate is the fixed sample rate every stream is opened at; the
// core never resamples (see Non-goals), so every device and every peer must
// agree on it out of band.
const DefaultSampleRate = 48000

// jitterCapacity and jitterMinDelay size the per-track playout jitter
// buffer; see package jitter for the adaptive delay algorithm.
const (
	jitterCapacity = 64
	jitterMinDelay = 2
)

func frameSizeSamples(frameSizeMs float32, sampleRate float64) int {
	if frameSizeMs <= 0 {
		frameSizeMs = 20
	}
	n := int(float64(frameSizeMs) / 1000.0 * sampleRate)
	if n <= 0 {
		n = 960
	}
	return n
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// ReceivedPayload is the subset of receiver.ReceivedPacket the playback
// pipeline needs, kept local to engine so it does not import the receiver
// package purely for a struct shape.
type ReceivedPayload struct {
	Sequence  uint32
	Timestamp uint64
	Payload   []byte
	HasFEC    bool
}

// CaptureTrack drives one real-time capture device through DSP and Opus
// encoding. The RT goroutine (captureLoop) reads the stream, copies each
// buffer into a newly allocated slice and pushes it onto a lock-free ring;
// DSP, encoding and sending happen in encodeLoop, a separate worker
// goroutine.
type CaptureTrack struct {
	trackID uint8

	stream    paStream
	streamBuf []float32
	pcm       []int16
	opusBuf   []byte
	encoder   opusEncoder

	channels     int
	frameSamples int

	raw   *ring.Buffer
	meter *levelmeter.Meter

	gate       *noisegate.Gate
	agcProc    *agc.Processor
	agcEnabled atomic.Bool
	vadProc    *vad.Detector

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (c *CaptureTrack) stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	// Stop() unblocks any in-flight Read() before wg.Wait(); Close() must
	// wait for both goroutines to exit or it frees the stream out from
	// under them.
	c.stream.Stop()
	c.wg.Wait()
	c.stream.Close()
}

// SetAGC toggles the automatic gain control stage.
func (c *CaptureTrack) SetAGC(enabled bool) { c.agcEnabled.Store(enabled) }

// SetNoiseGate toggles the hard noise gate stage.
func (c *CaptureTrack) SetNoiseGate(enabled bool) { c.gate.SetEnabled(enabled) }

// SetVAD toggles silence-suppressed sending: frames classified as silence
// are never encoded or sent.
func (c *CaptureTrack) SetVAD(enabled bool) { c.vadProc.SetEnabled(enabled) }

// SetBitrate retunes the Opus encoder's target bitrate in bits per second.
// Safe to call while encodeLoop is running: the underlying opus.v2 encoder
// serializes its own control requests.
func (c *CaptureTrack) SetBitrate(bps int) error { return c.encoder.SetBitrate(bps) }

func (c *CaptureTrack) captureLoop() {
	defer c.wg.Done()
	seq := uint32(0)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err := c.stream.Read(); err != nil {
			if c.running.Load() {
				log.Printf("engine: track %d capture read: %v", c.trackID, err)
			}
			return
		}

		samples := make([]float32, len(c.streamBuf))
		copy(samples, c.streamBuf)

		c.raw.TryPush(ring.Frame{
			Samples:   samples,
			Channels:  uint16(c.channels),
			Timestamp: uint64(time.Now().UnixMicro()),
			Sequence:  seq,
		})
		seq++
	}
}

func (c *CaptureTrack) encodeLoop(send SendFunc) {
	defer c.wg.Done()
	empty := 0
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		frame, ok := c.raw.TryPop()
		if !ok {
			empty = backoff(empty)
			continue
		}
		empty = 0

		c.meter.UpdateFromSamples(frame.Samples)

		rms := c.gate.Process(frame.Samples)
		if c.agcEnabled.Load() {
			c.agcProc.Process(frame.Samples)
		}
		if !c.vadProc.ShouldSend(rms) {
			continue
		}

		n := len(frame.Samples)
		for i := 0; i < n; i++ {
			c.pcm[i] = int16(clampFloat32(frame.Samples[i]) * 32767)
		}
		encLen, err := c.encoder.Encode(c.pcm[:n], c.opusBuf)
		if err != nil {
			log.Printf("engine: track %d encode: %v", c.trackID, err)
			continue
		}
		payload := make([]byte, encLen)
		copy(payload, c.opusBuf[:encLen])
		send(c.trackID, payload, frame.Timestamp, c.channels == 2)
	}
}

// PlaybackTrack drives one real-time playback device from decoded,
// jitter-buffered audio. playbackLoop is the only RT-safe goroutine; decode
// and playout scheduling run on separate worker goroutines.
type PlaybackTrack struct {
	trackID uint8

	stream    paStream
	streamBuf []float32
	pcm       []int16
	decoder   opusDecoder

	channels     int
	frameSamples int

	incoming <-chan ReceivedPayload
	jbMu     sync.Mutex // decodeLoop inserts while playoutLoop drains
	jb       *jitter.Buffer
	decoded  *ring.Buffer
	meter    *levelmeter.Meter
	frameDur time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func (p *PlaybackTrack) stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.stream.Stop()
	p.wg.Wait()
	p.stream.Close()
}

// decodeLoop pulls payloads off the network channel, decodes them to PCM,
// and inserts the result into the jitter buffer for reordering.
func (p *PlaybackTrack) decodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case pkt, ok := <-p.incoming:
			if !ok {
				return
			}
			pcm := p.pcm
			n, err := p.decoder.Decode(pkt.Payload, pcm)
			if err != nil {
				if pkt.HasFEC {
					if ferr := p.decoder.DecodeFEC(pkt.Payload, pcm); ferr == nil {
						n = len(pcm)
					} else {
						log.Printf("engine: track %d decode: %v", p.trackID, err)
						continue
					}
				} else {
					log.Printf("engine: track %d decode: %v", p.trackID, err)
					continue
				}
			}
			samples := make([]float32, n)
			for i := 0; i < n; i++ {
				samples[i] = float32(pcm[i]) / 32768.0
			}
			p.jbMu.Lock()
			p.jb.Insert(jitter.Frame{
				Samples:   samples,
				Channels:  uint16(p.channels),
				Timestamp: pkt.Timestamp,
				Sequence:  pkt.Sequence,
			})
			p.jbMu.Unlock()
		}
	}
}

// playoutLoop ticks at the track's frame duration, pulling the next frame
// out of the jitter buffer (subject to its prebuffer gate) and queuing it
// for the RT playback loop.
func (p *PlaybackTrack) playoutLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.jbMu.Lock()
			frame, ok := p.jb.GetNext()
			p.jbMu.Unlock()
			if !ok {
				continue
			}
			p.decoded.TryPush(ring.Frame{
				Samples:   frame.Samples,
				Channels:  frame.Channels,
				Timestamp: frame.Timestamp,
				Sequence:  frame.Sequence,
			})
		}
	}
}

// playbackLoop is the real-time loop: it never blocks beyond the device's
// own Write() call, never allocates, and touches only the ring buffer and
// the fixed stream buffer.
func (p *PlaybackTrack) playbackLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		frame, ok := p.decoded.TryPop()
		if !ok {
			for i := range p.streamBuf {
				p.streamBuf[i] = 0
			}
		} else {
			n := len(frame.Samples)
			if n > len(p.streamBuf) {
				n = len(p.streamBuf)
			}
			copy(p.streamBuf[:n], frame.Samples[:n])
			for i := n; i < len(p.streamBuf); i++ {
				p.streamBuf[i] = 0
			}
			p.meter.UpdateFromSamples(frame.Samples)
		}

		if err := p.stream.Write(); err != nil {
			if p.running.Load() {
				log.Printf("engine: track %d playback write: %v", p.trackID, err)
			}
			return
		}
	}
}

// backoff applies the spin/yield/sleep escalation and returns the updated
// consecutive-empty-poll count.
func backoff(empty int) int {
	empty++
	switch {
	case empty < spinThreshold:
		runtime.Gosched()
	case empty < yieldThreshold:
		runtime.Gosched()
	default:
		time.Sleep(sleepInterval)
	}
	return empty
}
