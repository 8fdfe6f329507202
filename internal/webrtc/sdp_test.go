package webrtc

import (
	"testing"

	pion "github.com/pion/webrtc/v4"
)

func TestBuildSDP_RoundTripsThroughParser(t *testing.T) {
	in := []MediaSection{
		{Kind: "audio", Mid: "0", Direction: pion.RTPTransceiverDirectionSendrecv},
		{Kind: "video", Mid: "1", Direction: pion.RTPTransceiverDirectionRecvonly},
	}
	raw, err := BuildSDP(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := MediaSections(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d sections, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("section %d: expected %+v, got %+v", i, in[i], out[i])
		}
	}
}

func TestSendsVideo(t *testing.T) {
	recvOnly, _ := BuildSDP([]MediaSection{
		{Kind: "audio", Mid: "0", Direction: pion.RTPTransceiverDirectionSendrecv},
		{Kind: "video", Mid: "1", Direction: pion.RTPTransceiverDirectionRecvonly},
	})
	sending, _ := BuildSDP([]MediaSection{
		{Kind: "audio", Mid: "0", Direction: pion.RTPTransceiverDirectionSendrecv},
		{Kind: "video", Mid: "1", Direction: pion.RTPTransceiverDirectionSendonly},
	})

	if SendsVideo(nil) {
		t.Error("nil description must not send video")
	}
	if SendsVideo(&pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: recvOnly}) {
		t.Error("recvonly video must not count as sending")
	}
	if !SendsVideo(&pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sending}) {
		t.Error("sendonly video must count as sending")
	}
	if SendsVideo(&pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "garbage"}) {
		t.Error("garbage must not count as sending")
	}
}
