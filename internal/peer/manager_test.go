package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/logging"
	"proctorhub/pkg/types"
)

type fakeTrack struct {
	kind    string
	mu      sync.Mutex
	enabled bool
	stops   int
}

func newFakeTrack(kind string) *fakeTrack { return &fakeTrack{kind: kind, enabled: true} }

func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *fakeTrack) SetEnabled(e bool) { t.mu.Lock(); t.enabled = e; t.mu.Unlock() }
func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

type fakePC struct {
	mu         sync.Mutex
	tracks     []LocalTrack
	local      *SessionDescription
	remote     *SessionDescription
	candidates []ICECandidate
	closed     bool
	remoteErr  error
	onICE      func(ICECandidate)
	onState    func(ConnectionState)
}

func (p *fakePC) AddTrack(t LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePC) CreateOffer() (SessionDescription, error) {
	return SessionDescription{Type: SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePC) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return SessionDescription{}, errors.New("no remote description")
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePC) SetLocalDescription(d SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePC) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &d
	return nil
}

func (p *fakePC) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(ICECandidate))             { p.onICE = fn }
func (p *fakePC) OnConnectionStateChange(fn func(ConnectionState)) { p.onState = fn }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) applied() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ICECandidate(nil), p.candidates...)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*types.Envelope
}

func (p *recordingPublisher) Publish(env *types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) ofType(t types.EventType) []*types.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.Envelope
	for _, e := range p.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

const room = "meeting:m1"

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeFactory, *recordingPublisher, []*fakeTrack) {
	t.Helper()
	f := &fakeFactory{}
	pub := &recordingPublisher{}
	audio, video := newFakeTrack(KindAudio), newFakeTrack(KindVideo)
	opts.RoomID = room
	if opts.SelfID == "" {
		opts.SelfID = "alice"
	}
	opts.Logger = logging.Discard()
	m, err := NewManager(f, pub, []LocalTrack{audio, video}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, f, pub, []*fakeTrack{audio, video}
}

func envelope(t *testing.T, et types.EventType, from string, payload any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(et, room, payload)
	require.NoError(t, err)
	env.From = from
	return env
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(&fakeFactory{}, &recordingPublisher{}, nil, Options{RoomID: "lobby", SelfID: "alice"})
	assert.Error(t, err)
	_, err = NewManager(&fakeFactory{}, &recordingPublisher{}, nil, Options{RoomID: room, SelfID: "bad id"})
	assert.ErrorIs(t, err, types.ErrInvalidUserID)
}

func TestManager_OffersToNewcomer(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{})

	require.NoError(t, m.Handle(envelope(t, types.EventJoined, "alice", types.RoomPayload{RoomID: room, MemberID: "alice"})))
	assert.Zero(t, f.count(), "no connection to self")

	require.NoError(t, m.Handle(envelope(t, types.EventJoined, "bob", types.RoomPayload{RoomID: room, MemberID: "bob"})))
	require.Equal(t, 1, f.count())
	pc := f.last()
	assert.Len(t, pc.tracks, 2)
	require.NotNil(t, pc.local)
	assert.Equal(t, SDPTypeOffer, pc.local.Type)

	offers := pub.ofType(types.EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].Target)
	assert.Equal(t, room, offers[0].Room)
	assert.Equal(t, []string{"bob"}, m.Peers())

	require.NoError(t, m.Handle(envelope(t, types.EventAnswer, "bob", types.SDPPayload{SDP: "v=0 answer"})))
	require.NotNil(t, pc.remote)
	assert.Equal(t, SDPTypeAnswer, pc.remote.Type)
}

func TestManager_AnswersOfferAndQueuesEarlyCandidates(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{SelfID: "bob"})

	mid := "0"
	require.NoError(t, m.Handle(envelope(t, types.EventICECandidate, "alice", types.ICECandidatePayload{Candidate: "candidate:1", SDPMid: &mid})))
	assert.Zero(t, f.count())

	require.NoError(t, m.Handle(envelope(t, types.EventOffer, "alice", types.SDPPayload{SDP: "v=0 offer"})))
	pc := f.last()
	require.Len(t, pc.applied(), 1, "queued candidate applied after the remote description")
	assert.Equal(t, "candidate:1", pc.applied()[0].Candidate)

	answers := pub.ofType(types.EventAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "alice", answers[0].Target)
	var p types.SDPPayload
	require.NoError(t, answers[0].Decode(&p))
	assert.Equal(t, "v=0 answer", p.SDP)

	require.NoError(t, m.Handle(envelope(t, types.EventICECandidate, "alice", types.ICECandidatePayload{Candidate: "candidate:2"})))
	assert.Len(t, pc.applied(), 2)
}

func TestManager_CandidatesQueuedUntilAnswer(t *testing.T) {
	m, f, _, _ := newTestManager(t, Options{})
	require.NoError(t, m.Offer("bob"))
	pc := f.last()

	require.NoError(t, m.HandleCandidate("bob", ICECandidate{Candidate: "candidate:1"}))
	assert.Empty(t, pc.applied())

	require.NoError(t, m.HandleAnswer("bob", "v=0 answer"))
	assert.Len(t, pc.applied(), 1)

	assert.ErrorIs(t, m.HandleAnswer("carol", "v=0"), ErrUnknownPeer)
}

func TestManager_RelaysLocalCandidates(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{})
	require.NoError(t, m.Offer("bob"))
	first := f.last()

	idx := uint16(0)
	first.onICE(ICECandidate{Candidate: "candidate:9", SDPMLineIndex: &idx})
	sent := pub.ofType(types.EventICECandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].Target)

	// Candidates from a replaced connection are not relayed.
	require.NoError(t, m.Offer("bob"))
	assert.True(t, first.isClosed())
	first.onICE(ICECandidate{Candidate: "candidate:stale"})
	assert.Len(t, pub.ofType(types.EventICECandidate), 1)
}

func TestManager_RenegotiationIsBounded(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{MaxRenegotiations: 2, RenegotiateDelay: time.Millisecond})
	require.NoError(t, m.Offer("bob"))

	for want := 2; want <= 3; want++ {
		f.last().onState(StateFailed)
		require.Eventually(t, func() bool { return f.count() == want }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return len(pub.ofType(types.EventOffer)) == want }, time.Second, time.Millisecond)
	}

	f.last().onState(StateFailed)
	assert.True(t, f.last().isClosed())
	assert.Empty(t, m.Peers())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.count(), "no further attempts")
}

func TestManager_ConnectedResetsFailures(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{MaxRenegotiations: 1, RenegotiateDelay: time.Millisecond})
	require.NoError(t, m.Offer("bob"))

	for i := 2; i <= 4; i++ {
		f.last().onState(StateFailed)
		require.Eventually(t, func() bool { return len(pub.ofType(types.EventOffer)) == i }, time.Second, time.Millisecond)
		f.last().onState(StateConnected)
	}
	assert.Equal(t, []string{"bob"}, m.Peers())
}

func TestManager_AnswererWaitsAfterFailure(t *testing.T) {
	m, f, pub, _ := newTestManager(t, Options{SelfID: "bob", RenegotiateDelay: time.Millisecond})
	require.NoError(t, m.HandleOffer("alice", "v=0 offer"))

	f.last().onState(StateFailed)
	assert.True(t, f.last().isClosed())
	assert.Empty(t, m.Peers())
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, pub.ofType(types.EventOffer))
}

func TestManager_MediaToggles(t *testing.T) {
	m, f, pub, tracks := newTestManager(t, Options{})
	require.NoError(t, m.Offer("bob"))

	m.SetVideoEnabled(false)
	assert.False(t, tracks[1].Enabled())
	assert.True(t, tracks[0].Enabled())
	assert.Len(t, f.last().tracks, 2, "muting never removes a track")

	states := pub.ofType(types.EventMediaState)
	require.Len(t, states, 1)
	assert.Empty(t, states[0].Target)
	var p types.MediaStatePayload
	require.NoError(t, states[0].Decode(&p))
	assert.Equal(t, types.MediaStatePayload{Audio: true, Video: false}, p)

	m.SetAudioEnabled(false)
	assert.Equal(t, types.MediaStatePayload{}, m.MediaState())

	require.NoError(t, m.Handle(envelope(t, types.EventMediaState, "bob", types.MediaStatePayload{Audio: true})))
	remote, ok := m.RemoteMedia("bob")
	require.True(t, ok)
	assert.True(t, remote.Audio)
}

func TestManager_LeftClosesConnection(t *testing.T) {
	m, f, _, _ := newTestManager(t, Options{})
	require.NoError(t, m.Offer("bob"))
	require.NoError(t, m.Offer("carol"))

	require.NoError(t, m.Handle(envelope(t, types.EventLeft, "bob", types.RoomPayload{RoomID: room, MemberID: "bob"})))
	assert.Equal(t, []string{"carol"}, m.Peers())
	assert.True(t, f.pcs[0].isClosed())
	assert.False(t, f.pcs[1].isClosed())
}

func TestManager_IgnoresOtherRoomsAndTargets(t *testing.T) {
	m, f, _, _ := newTestManager(t, Options{})

	other, err := types.NewEnvelope(types.EventOffer, "meeting:m2", types.SDPPayload{SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, m.Handle(other))

	require.NoError(t, m.Handle(envelope(t, types.EventOffer, "bob", types.SDPPayload{SDP: "v=0"}).To("carol")))
	assert.Zero(t, f.count())

	assert.ErrorIs(t, m.Handle(envelope(t, types.EventChat, "bob", types.ChatPayload{Text: "hi"})), ErrUnhandledEvent)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m, f, _, tracks := newTestManager(t, Options{})
	require.NoError(t, m.Offer("bob"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, f.last().isClosed())
	for _, tr := range tracks {
		assert.Equal(t, 1, tr.stops)
	}
	assert.ErrorIs(t, m.Offer("carol"), ErrClosed)
	assert.Empty(t, m.Peers())
}
