package audio

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// Role identifies which of the two pipeline inputs a source feeds.
type Role string

const (
	RoleSystem     Role = "system"
	RoleMicrophone Role = "microphone"
)

// Source is a capture adapter. Start begins asynchronous delivery of raw
// PCM into sink; the sink must not block. Stop requests cessation, in-flight
// callbacks may still deliver for a short while after it returns.
type Source interface {
	Role() Role
	Format() Format
	Start(sink io.Writer) error
	Stop() error
	Close()
}

// SourceConfig selects and configures a capture device.
type SourceConfig struct {
	Role     Role
	DeviceID string // hex encoded, empty selects the default device

	// Zero values keep the device's native rate and channel count.
	SampleRate int
	Channels   int

	// OnError receives mid-stream failures such as device loss.
	OnError func(error)
}

// CaptureManager owns the audio backend context shared by all sources.
type CaptureManager struct {
	ctx     *malgo.AllocatedContext
	sources []*DeviceSource
	mu      sync.Mutex
}

func NewCaptureManager() (*CaptureManager, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, deviceError("backend", "init context", ErrDeviceUnavailable, err)
	}

	return &CaptureManager{ctx: ctx}, nil
}

// Open initializes the device described by cfg without starting it.
// Loopback sources capture the output of the selected playback device.
func (cm *CaptureManager) Open(cfg SourceConfig) (*DeviceSource, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ctx == nil {
		return nil, deviceError(cfg.Role, "open", ErrDeviceUnavailable, nil)
	}

	src := &DeviceSource{cfg: cfg}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	if cfg.DeviceID != "" {
		id, err := ParseDeviceID(cfg.DeviceID)
		if err != nil {
			return nil, deviceError(cfg.Role, "parse device id", ErrDeviceUnavailable, err)
		}
		if cfg.Role == RoleSystem {
			deviceConfig.Playback.DeviceID = id.Pointer()
		} else {
			deviceConfig.Capture.DeviceID = id.Pointer()
		}
	}
	if cfg.Role == RoleSystem {
		deviceConfig.DeviceType = malgo.Loopback
	}

	callbacks := malgo.DeviceCallbacks{
		Data: src.onData,
		Stop: src.onStop,
	}

	device, err := malgo.InitDevice(cm.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, deviceError(cfg.Role, "init device", ErrDeviceUnavailable, err)
	}

	if device.CaptureFormat() != malgo.FormatF32 {
		device.Uninit()
		return nil, deviceError(cfg.Role, "init device", ErrFormatNegotiation, nil)
	}

	src.device = device
	src.format = Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.CaptureChannels()),
		Kind:       KindFloat32,
	}
	if err := src.format.Validate(); err != nil {
		device.Uninit()
		return nil, deviceError(cfg.Role, "init device", ErrFormatNegotiation, err)
	}

	cm.sources = append(cm.sources, src)
	slog.Info("audio source opened", "role", cfg.Role, "device", cfg.DeviceID, "format", src.format.String())
	return src, nil
}

// Close releases every source opened through the manager and the backend.
func (cm *CaptureManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, s := range cm.sources {
		s.Close()
	}
	cm.sources = nil

	if cm.ctx != nil {
		_ = cm.ctx.Uninit()
		cm.ctx.Free()
		cm.ctx = nil
	}
}

// DeviceSource is a Source backed by a miniaudio device.
type DeviceSource struct {
	cfg    SourceConfig
	device *malgo.Device
	format Format

	mu      sync.Mutex
	sink    io.Writer
	running bool

	stopping atomic.Bool
	captured atomic.Int64
}

func (s *DeviceSource) Role() Role     { return s.cfg.Role }
func (s *DeviceSource) Format() Format { return s.format }

// Captured returns the number of bytes delivered by the device so far.
func (s *DeviceSource) Captured() int64 { return s.captured.Load() }

func (s *DeviceSource) Start(sink io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return deviceError(s.cfg.Role, "start", ErrAlreadyRunning, nil)
	}
	if s.device == nil {
		return deviceError(s.cfg.Role, "start", ErrDeviceUnavailable, nil)
	}

	s.sink = sink
	s.stopping.Store(false)
	if err := s.device.Start(); err != nil {
		return deviceError(s.cfg.Role, "start", ErrDeviceUnavailable, err)
	}

	s.running = true
	slog.Info("audio stream started", "role", s.cfg.Role)
	return nil
}

func (s *DeviceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.stopping.Store(true)
	s.running = false
	if err := s.device.Stop(); err != nil {
		return deviceError(s.cfg.Role, "stop", ErrDeviceUnavailable, err)
	}
	slog.Info("audio stream stopped", "role", s.cfg.Role, "bytes", s.captured.Load())
	return nil
}

func (s *DeviceSource) Close() {
	_ = s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
}

// onData runs on the device thread and must not block.
func (s *DeviceSource) onData(_, pInput []byte, _ uint32) {
	if s.sink == nil || len(pInput) == 0 {
		return
	}
	n, _ := s.sink.Write(pInput)
	s.captured.Add(int64(n))
}

func (s *DeviceSource) onStop() {
	if s.stopping.Load() {
		return
	}
	slog.Error("audio device stopped unexpectedly", "role", s.cfg.Role)
	if s.cfg.OnError != nil {
		go s.cfg.OnError(deviceError(s.cfg.Role, "stream", ErrDeviceLost, nil))
	}
}
