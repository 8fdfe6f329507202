package webrtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"
)

// MediaSection is the part of an m= line the negotiation core cares about.
type MediaSection struct {
	Kind      string
	Mid       string
	Direction pion.RTPTransceiverDirection
}

// Sends reports whether the section carries local media.
func (m MediaSection) Sends() bool {
	return m.Direction == pion.RTPTransceiverDirectionSendrecv || m.Direction == pion.RTPTransceiverDirectionSendonly
}

var directionAttrs = []pion.RTPTransceiverDirection{
	pion.RTPTransceiverDirectionSendrecv,
	pion.RTPTransceiverDirectionSendonly,
	pion.RTPTransceiverDirectionRecvonly,
	pion.RTPTransceiverDirectionInactive,
}

// MediaSections parses the m= sections of raw SDP in order. A section
// without a direction attribute is sendrecv (RFC 4566).
func MediaSections(raw string) ([]MediaSection, error) {
	var d sdp.SessionDescription
	if err := d.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	out := make([]MediaSection, 0, len(d.MediaDescriptions))
	for _, md := range d.MediaDescriptions {
		s := MediaSection{
			Kind:      md.MediaName.Media,
			Direction: pion.RTPTransceiverDirectionSendrecv,
		}
		s.Mid, _ = md.Attribute("mid")
		for _, dir := range directionAttrs {
			if _, ok := md.Attribute(dir.String()); ok {
				s.Direction = dir
				break
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// SendsVideo reports whether desc has a video section that carries local
// media. Unparsable or missing descriptions report false.
func SendsVideo(desc *pion.SessionDescription) bool {
	return SendingVideoSections(desc) > 0
}

// SendingVideoSections counts the video sections of desc that carry local
// media.
func SendingVideoSections(desc *pion.SessionDescription) int {
	if desc == nil {
		return 0
	}
	sections, err := MediaSections(desc.SDP)
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range sections {
		if s.Kind == "video" && s.Sends() {
			n++
		}
	}
	return n
}

// BuildSDP renders minimal JSEP SDP with one section per entry. It is used
// by test doubles that have no real media engine.
func BuildSDP(sections []MediaSection) (string, error) {
	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("new session description: %w", err)
	}
	for _, s := range sections {
		format := "111"
		if s.Kind == "video" {
			format = "96"
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   s.Kind,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{format},
			},
		}
		md = md.WithValueAttribute("mid", s.Mid).WithPropertyAttribute(s.Direction.String())
		d = d.WithMedia(md)
	}
	raw, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(raw), nil
}
