package peer

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string
	SDP  string
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// ConnectionState follows RTCPeerConnectionState names.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// LocalTrack is a local media source. Muting flips Enabled; the track is
// never removed from a connection for it.
type LocalTrack interface {
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// PeerConnection is the subset of WebRTC the manager drives.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
