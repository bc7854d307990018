package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Wire shapes follow mediasoup-client, which is what browsers talk to us with.

type rtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type codecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RTCPFeedback         []rtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type rtpCapabilities struct {
	Codecs           []codecCapability `json:"codecs"`
	HeaderExtensions []json.RawMessage `json:"headerExtensions"`
}

type codecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []rtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type rtpParameters struct {
	Mid              string            `json:"mid,omitempty"`
	Codecs           []codecParameters `json:"codecs"`
	HeaderExtensions []json.RawMessage `json:"headerExtensions,omitempty"`
	Encodings        []json.RawMessage `json:"encodings,omitempty"`
	RTCP             json.RawMessage   `json:"rtcp,omitempty"`
}

// RouterCodec is one codec the router accepts.
type RouterCodec struct {
	Kind        domain.MediaKind
	Capability  webrtc.RTPCodecCapability
	PayloadType webrtc.PayloadType
	Parameters  map[string]any
}

func (c RouterCodec) codecType() webrtc.RTPCodecType {
	if c.Kind == domain.MediaKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// DefaultCodecs is opus stereo and VP8.
func DefaultCodecs() []RouterCodec {
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBGoogREMB},
	}
	return []RouterCodec{
		{
			Kind: domain.MediaKindAudio,
			Capability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			PayloadType: 100,
		},
		{
			Kind: domain.MediaKindVideo,
			Capability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				SDPFmtpLine:  "x-google-start-bitrate=1000",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 101,
			Parameters:  map[string]any{"x-google-start-bitrate": 1000},
		},
	}
}

func routerCapabilities(codecs []RouterCodec) (domain.RouterCapabilities, error) {
	caps := rtpCapabilities{
		Codecs:           make([]codecCapability, 0, len(codecs)),
		HeaderExtensions: []json.RawMessage{},
	}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, codecCapability{
			Kind:                 c.Kind,
			MimeType:             c.Capability.MimeType,
			PreferredPayloadType: uint8(c.PayloadType),
			ClockRate:            c.Capability.ClockRate,
			Channels:             c.Capability.Channels,
			Parameters:           c.Parameters,
			RTCPFeedback:         feedbackOf(c.Capability.RTCPFeedback),
		})
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal router capabilities: %w", err)
	}
	return domain.RouterCapabilities(b), nil
}

func feedbackOf(fb []webrtc.RTCPFeedback) []rtcpFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]rtcpFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, rtcpFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func parseCapabilities(raw json.RawMessage) (rtpCapabilities, error) {
	var caps rtpCapabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return caps, fmt.Errorf("rtp capabilities: %w", err)
	}
	return caps, nil
}

func kindOfMime(mime string) domain.MediaKind {
	prefix, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return domain.MediaKind(prefix)
}

func isRTX(mime string) bool {
	return strings.HasSuffix(strings.ToLower(mime), "/rtx")
}

// channels defaults to mono for audio when unset.
func channels(mime string, n uint16) uint16 {
	if n == 0 && kindOfMime(mime) == domain.MediaKindAudio {
		return 1
	}
	return n
}

func sameCodec(mimeA string, clockA uint32, chA uint16, mimeB string, clockB uint32, chB uint16) bool {
	return strings.EqualFold(mimeA, mimeB) &&
		clockA == clockB &&
		channels(mimeA, chA) == channels(mimeB, chB)
}

var errNoMediaCodec = errors.New("no media codec")

// validateProducer checks that every media codec matches the producer kind
// and is one the router was configured with.
func validateProducer(kind domain.MediaKind, params rtpParameters, router []RouterCodec) error {
	media := 0
	for _, c := range params.Codecs {
		if isRTX(c.MimeType) {
			continue
		}
		media++
		if kindOfMime(c.MimeType) != kind {
			return fmt.Errorf("codec %s does not carry %s", c.MimeType, kind)
		}
		supported := false
		for _, rc := range router {
			if sameCodec(c.MimeType, c.ClockRate, c.Channels, rc.Capability.MimeType, rc.Capability.ClockRate, rc.Capability.Channels) {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("%w: codec %s/%d not supported by router", domain.ErrIncompatibleCapabilities, c.MimeType, c.ClockRate)
		}
	}
	if media == 0 {
		return fmt.Errorf("rtp parameters: %w", errNoMediaCodec)
	}
	return nil
}

// consumableCodecs keeps the producer codecs the consuming endpoint can
// decode, renumbered to the endpoint's preferred payload types.
func consumableCodecs(producer rtpParameters, caps rtpCapabilities) []codecParameters {
	var out []codecParameters
	for _, pc := range producer.Codecs {
		if isRTX(pc.MimeType) {
			continue
		}
		for _, cc := range caps.Codecs {
			if !sameCodec(pc.MimeType, pc.ClockRate, pc.Channels, cc.MimeType, cc.ClockRate, cc.Channels) {
				continue
			}
			pt := pc.PayloadType
			if cc.PreferredPayloadType != 0 {
				pt = cc.PreferredPayloadType
			}
			out = append(out, codecParameters{
				MimeType:     pc.MimeType,
				PayloadType:  pt,
				ClockRate:    pc.ClockRate,
				Channels:     pc.Channels,
				Parameters:   pc.Parameters,
				RTCPFeedback: cc.RTCPFeedback,
			})
			break
		}
	}
	return out
}
