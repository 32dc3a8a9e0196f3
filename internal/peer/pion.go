package peer

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	config webrtc.Configuration
}

func NewPionFactory(iceServers []string) *PionFactory {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{config: config}
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track LocalTrack) error {
	pt, ok := track.(*PionTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	sender, err := p.pc.AddTrack(pt.local)
	if err != nil {
		return err
	}
	// RTCP must be drained for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer() (SessionDescription, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (SessionDescription, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(desc SessionDescription) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP})
}

func (p *pionPeer) SetRemoteDescription(desc SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP})
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// A nil candidate marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(ICECandidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnectionState(s.String()))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// PionTrack is a local sample track whose samples are dropped while disabled.
type PionTrack struct {
	local   *webrtc.TrackLocalStaticSample
	kind    string
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewPionTrack(kind, streamID string) (*PionTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedTrack, kind)
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, kind, streamID)
	if err != nil {
		return nil, err
	}
	t := &PionTrack{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *PionTrack) Kind() string            { return t.kind }
func (t *PionTrack) Enabled() bool           { return t.enabled.Load() }
func (t *PionTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *PionTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

// WriteSample forwards s to every bound connection unless the track is
// muted or stopped.
func (t *PionTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}
