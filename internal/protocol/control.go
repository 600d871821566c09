package protocol

// TrackType selects the Opus tuning preset applied to a track.
type TrackType string

const (
	TrackTypeVoice      TrackType = "voice"
	TrackTypeMusic      TrackType = "music"
	TrackTypeLowLatency TrackType = "low_latency"
)

// TrackConfig describes a track to be created. The HTTP create endpoint
// starts from DefaultTrackConfig, so fields a request body leaves unset keep
// those defaults; a websocket create_track config is used as sent.
type TrackConfig struct {
	TrackID     *uint8    `json:"track_id,omitempty"`
	Name        string    `json:"name"`
	DeviceID    string    `json:"device_id"`
	Bitrate     uint32    `json:"bitrate"`
	FrameSizeMs float32   `json:"frame_size_ms"`
	Channels    uint16    `json:"channels"`
	TrackType   TrackType `json:"track_type"`
	FECEnabled  bool      `json:"fec_enabled"`
}

// DefaultTrackConfig returns the baseline configuration new tracks start
// from before caller-supplied overrides are applied.
func DefaultTrackConfig() TrackConfig {
	return TrackConfig{
		Bitrate:     128_000,
		FrameSizeMs: 10.0,
		Channels:    2,
		TrackType:   TrackTypeMusic,
		FECEnabled:  false,
	}
}

// TrackConfigUpdate patches a subset of a track's configuration; nil fields
// are left unchanged.
type TrackConfigUpdate struct {
	Name        *string  `json:"name,omitempty"`
	DeviceID    *string  `json:"device_id,omitempty"`
	Bitrate     *uint32  `json:"bitrate,omitempty"`
	FrameSizeMs *float32 `json:"frame_size_ms,omitempty"`
	FECEnabled  *bool    `json:"fec_enabled,omitempty"`
}

// TrackStatus is a point-in-time snapshot of a track's state, suitable for
// reporting to a control-plane client.
type TrackStatus struct {
	TrackID          uint8   `json:"track_id"`
	Name             string  `json:"name"`
	DeviceID         string  `json:"device_id"`
	Active           bool    `json:"active"`
	Muted            bool    `json:"muted"`
	Solo             bool    `json:"solo"`
	Bitrate          uint32  `json:"bitrate"`
	FrameSizeMs      float32 `json:"frame_size_ms"`
	PacketsSent      uint64  `json:"packets_sent"`
	PacketsReceived  uint64  `json:"packets_received"`
	PacketsLost      uint64  `json:"packets_lost"`
	CurrentLatencyMs float32 `json:"current_latency_ms"`
	JitterMs         float32 `json:"jitter_ms"`
	LevelDb          float32 `json:"level_db"`
	PeakDb           float32 `json:"peak_db"`
	LevelNormalized  float32 `json:"level_normalized"`
	PeakNormalized   float32 `json:"peak_normalized"`
}

// AudioDeviceInfo describes one audio device available to the engine.
type AudioDeviceInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IsInput     bool     `json:"is_input"`
	IsOutput    bool     `json:"is_output"`
	IsDefault   bool     `json:"is_default"`
	SampleRates []uint32 `json:"sample_rates"`
	Channels    []uint16 `json:"channels"`
}

// ControlMessageType tags the JSON envelope's "type" field, mirroring the
// tagged-union control protocol peers speak over the control connection.
type ControlMessageType string

const (
	CtlCreateTrack ControlMessageType = "create_track"
	CtlRemoveTrack ControlMessageType = "remove_track"
	CtlUpdateTrack ControlMessageType = "update_track"
	CtlSetMute     ControlMessageType = "set_mute"
	CtlSetSolo     ControlMessageType = "set_solo"
	CtlGetStatus   ControlMessageType = "get_status"
	CtlStatus      ControlMessageType = "status"
	CtlListDevices ControlMessageType = "list_devices"
	CtlDevices     ControlMessageType = "devices"
	CtlError       ControlMessageType = "error"
	CtlPing        ControlMessageType = "ping"
	CtlPong        ControlMessageType = "pong"
)

// ControlMessage is the single JSON envelope exchanged on the control
// connection (REST bodies and websocket frames alike). Only the fields
// relevant to Type are populated; the rest are omitted from the wire form.
type ControlMessage struct {
	Type ControlMessageType `json:"type"`

	TrackID *uint8             `json:"track_id,omitempty"`
	Config  *TrackConfig       `json:"config,omitempty"`
	Update  *TrackConfigUpdate `json:"update,omitempty"`
	Muted   *bool              `json:"muted,omitempty"`
	Solo    *bool              `json:"solo,omitempty"`

	Tracks  []TrackStatus     `json:"tracks,omitempty"`
	Devices []AudioDeviceInfo `json:"devices,omitempty"`

	Message string `json:"message,omitempty"`
}
