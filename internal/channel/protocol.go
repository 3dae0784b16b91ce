package channel

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Events sent by the upstream.
const (
	EventImage        = "image"
	EventVideoInfo    = "video_info"
	EventWebRTCAnswer = "webrtc_answer"
	EventICECandidate = "ice_candidate"
	EventError        = "error"
)

// Events sent by the viewer. ice_candidate travels both ways; its payload and
// those of webrtc_offer/webrtc_answer use the pion JSON shapes
// ({sdp,type} and {candidate,sdpMid,sdpMLineIndex}).
const (
	EventSeek           = "seek"
	EventPlayPause      = "play_pause"
	EventSetSpeed       = "set_speed"
	EventSetSource      = "set_source"
	EventSetResolution  = "set_resolution"
	EventSetQuality     = "set_quality"
	EventSetControlMode = "set_control_mode"
	EventNetworkMetrics = "network_metrics"
	EventWebRTCOffer    = "webrtc_offer"
)

// Message is the envelope of every frame on the event channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event string, data interface{}) (Message, error) {
	msg := Message{Event: event}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, errors.Wrapf(err, "failed to encode %s payload", event)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return errors.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.Wrapf(err, "%s: invalid payload", m.Event)
	}
	return nil
}

type SeekPayload struct {
	Position float64 `json:"position"`
}

type PlayPausePayload struct {
	IsPlaying bool `json:"is_playing"`
}

type SpeedPayload struct {
	Speed float64 `json:"speed"`
}

type SourcePayload struct {
	Source string `json:"source"`
}

type ResolutionPayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type QualityPayload struct {
	Quality string `json:"quality"`
}

type ControlModePayload struct {
	Mode string `json:"mode"`
}

// MetricsPayload carries a network sample reported by a viewer.
type MetricsPayload struct {
	Latency    float64 `json:"latency"`
	PacketLoss float64 `json:"packet_loss"`
	Bandwidth  float64 `json:"bandwidth"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// VideoInfo is the upstream status snapshot. Live sources have no timeline
// and leave the frame counters and speed unset.
type VideoInfo struct {
	CurrentFrame   int             `json:"current_frame,omitempty"`
	TotalFrames    int             `json:"total_frames,omitempty"`
	IsPlaying      *bool           `json:"is_playing,omitempty"`
	Quality        string          `json:"quality,omitempty"`
	ControlMode    string          `json:"control_mode,omitempty"`
	Source         string          `json:"source,omitempty"`
	PlaybackSpeed  float64         `json:"playback_speed,omitempty"`
	Width          int             `json:"width,omitempty"`
	Height         int             `json:"height,omitempty"`
	NetworkMetrics *MetricsPayload `json:"network_metrics,omitempty"`
}

// VideoInfoUpdate is a parsed snapshot together with which optional fields
// were actually present.
type VideoInfoUpdate struct {
	CurrentFrame   int
	TotalFrames    int
	IsPlaying      bool
	Quality        string
	ControlMode    string
	Source         string
	PlaybackSpeed  float64
	Width          int
	Height         int
	NetworkMetrics *MetricsPayload

	HasIsPlaying   bool
	HasQuality     bool
	HasControlMode bool
	HasSource      bool
	HasSpeed       bool
}

// ParseVideoInfo reads a video_info payload leniently. Missing or mistyped
// counters read as zero; it never fails.
func ParseVideoInfo(raw []byte) VideoInfoUpdate {
	var u VideoInfoUpdate
	if !gjson.ValidBytes(raw) {
		return u
	}
	r := gjson.ParseBytes(raw)

	u.CurrentFrame = int(r.Get("current_frame").Int())
	u.TotalFrames = int(r.Get("total_frames").Int())
	u.Width = int(r.Get("width").Int())
	u.Height = int(r.Get("height").Int())

	if v := r.Get("is_playing"); v.Exists() {
		u.IsPlaying = v.Bool()
		u.HasIsPlaying = true
	}
	if v := r.Get("quality"); v.Type == gjson.String {
		u.Quality = v.String()
		u.HasQuality = true
	}
	if v := r.Get("control_mode"); v.Type == gjson.String {
		u.ControlMode = v.String()
		u.HasControlMode = true
	}
	if v := r.Get("source"); v.Type == gjson.String {
		u.Source = v.String()
		u.HasSource = true
	}
	if v := r.Get("playback_speed"); v.Type == gjson.Number {
		u.PlaybackSpeed = v.Float()
		u.HasSpeed = true
	}
	if m := r.Get("network_metrics"); m.IsObject() {
		u.NetworkMetrics = &MetricsPayload{
			Latency:    m.Get("latency").Float(),
			PacketLoss: m.Get("packet_loss").Float(),
			Bandwidth:  m.Get("bandwidth").Float(),
		}
	}
	return u
}

// EncodeImage and DecodeImage convert between a JPEG and the base64 text of
// an image event.
func EncodeImage(jpeg []byte) string {
	return base64.StdEncoding.EncodeToString(jpeg)
}

func DecodeImage(raw json.RawMessage) ([]byte, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, errors.Wrap(err, "image payload is not a string")
	}
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.Wrap(err, "image payload is not base64")
	}
	return b, nil
}
