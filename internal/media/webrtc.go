package media

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/courseloop/backend/internal/errs"
	"github.com/courseloop/backend/internal/models"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// WebRTCServer is the in-process media server: pipelines route RTP from one
// publisher endpoint to any number of viewer endpoints. State lives only in
// memory, so handles stored before a restart resolve as stale afterwards.
type WebRTCServer struct {
	mu        sync.RWMutex
	pipelines map[string]*rtcPipeline
	endpoints map[string]*rtcEndpoint
	cfg       webrtc.Configuration
	logger    *zap.Logger
}

type rtcPipeline struct {
	id   string
	name string

	mu        sync.RWMutex
	publisher *rtcEndpoint
	tracks    []*relayTrack
	viewers   map[string]*rtcEndpoint
}

type rtcEndpoint struct {
	id       string
	kind     models.ElementKind
	pipeline *rtcPipeline

	mu           sync.RWMutex
	pc           *webrtc.PeerConnection
	connected    bool
	videoEnabled bool
	send         func(event string, payload interface{})
}

type relayTrack struct {
	remote *webrtc.TrackRemote
	pub    *rtcEndpoint

	mu     sync.Mutex
	locals []localSink
}

// localSink ties a fan-out track to its viewer so per-viewer video toggles
// apply at write time.
type localSink struct {
	track  *webrtc.TrackLocalStaticRTP
	viewer *rtcEndpoint
}

func (p *rtcPipeline) ID() string { return p.id }
func (e *rtcEndpoint) ID() string { return e.id }

// NewWebRTCServer creates the in-process server with the given STUN/TURN
// URLs, falling back to a public STUN server.
func NewWebRTCServer(iceURLs []string, logger *zap.Logger) *WebRTCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRTCServer{
		pipelines: make(map[string]*rtcPipeline),
		endpoints: make(map[string]*rtcEndpoint),
		cfg:       webrtc.Configuration{ICEServers: parseICEServers(iceURLs)},
		logger:    logger,
	}
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// CreatePipeline allocates a routing context. The external ID embeds the
// given name so restart orphans can be attributed to their instance.
func (s *WebRTCServer) CreatePipeline(_ context.Context, name string) (Handle, error) {
	p := &rtcPipeline{
		id:      name + "#" + shortID(),
		name:    name,
		viewers: make(map[string]*rtcEndpoint),
	}
	s.mu.Lock()
	s.pipelines[p.id] = p
	s.mu.Unlock()
	return p, nil
}

// CreateEndpoint allocates an endpoint inside a pipeline. The signaling
// layer later attaches the peer connection via HandlePublisherOffer or
// HandleViewerSubscribe.
func (s *WebRTCServer) CreateEndpoint(_ context.Context, pipeline Handle, kind models.ElementKind) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[pipeline.ID()]
	if !ok {
		return nil, errs.ErrStaleHandle
	}
	ep := &rtcEndpoint{
		id:           string(kind) + ":" + shortID(),
		kind:         kind,
		pipeline:     p,
		videoEnabled: true,
	}
	s.endpoints[ep.id] = ep
	if kind == models.ElementPublisher {
		p.mu.Lock()
		p.publisher = ep
		p.mu.Unlock()
	}
	return ep, nil
}

// Connect subscribes a viewer endpoint to the publisher's tracks. Harmless
// when already connected.
func (s *WebRTCServer) Connect(_ context.Context, viewer, publisher Handle) error {
	s.mu.RLock()
	v, vok := s.endpoints[viewer.ID()]
	pub, pok := s.endpoints[publisher.ID()]
	s.mu.RUnlock()
	if !vok || !pok {
		return errs.ErrStaleHandle
	}
	if v.kind != models.ElementViewer || pub.kind != models.ElementPublisher {
		return errs.New(errs.CodeMediaServer, "connect requires a viewer and a publisher")
	}

	v.mu.Lock()
	if v.connected {
		v.mu.Unlock()
		return nil
	}
	v.connected = true
	pc := v.pc
	v.mu.Unlock()

	p := v.pipeline
	p.mu.Lock()
	p.viewers[v.id] = v
	tracks := make([]*relayTrack, len(p.tracks))
	copy(tracks, p.tracks)
	p.mu.Unlock()

	// With no peer connection yet, the tracks attach when the viewer
	// subscribes over signaling.
	if pc == nil {
		return nil
	}
	for _, relay := range tracks {
		relay.attachViewer(v, pc)
	}
	return nil
}

// SetVideoEnabled toggles the video portion of an endpoint's flow. For a
// publisher it gates video at the fan-out source; for a viewer it gates the
// writes to that viewer only.
func (s *WebRTCServer) SetVideoEnabled(_ context.Context, h Handle, enabled bool) error {
	s.mu.RLock()
	ep, ok := s.endpoints[h.ID()]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrStaleHandle
	}
	ep.mu.Lock()
	ep.videoEnabled = enabled
	ep.mu.Unlock()
	return nil
}

// Release frees a pipeline or endpoint. Unknown handles are stale.
func (s *WebRTCServer) Release(_ context.Context, h Handle) error {
	s.mu.Lock()
	if ep, ok := s.endpoints[h.ID()]; ok {
		delete(s.endpoints, h.ID())
		s.mu.Unlock()
		s.releaseEndpoint(ep)
		return nil
	}
	p, ok := s.pipelines[h.ID()]
	if !ok {
		s.mu.Unlock()
		return errs.ErrStaleHandle
	}
	delete(s.pipelines, h.ID())
	s.mu.Unlock()

	p.mu.Lock()
	pub := p.publisher
	viewers := make([]*rtcEndpoint, 0, len(p.viewers))
	for _, v := range p.viewers {
		viewers = append(viewers, v)
	}
	p.publisher = nil
	p.viewers = make(map[string]*rtcEndpoint)
	p.tracks = nil
	p.mu.Unlock()

	if pub != nil {
		s.releaseEndpoint(pub)
	}
	for _, v := range viewers {
		s.releaseEndpoint(v)
	}
	return nil
}

func (s *WebRTCServer) releaseEndpoint(ep *rtcEndpoint) {
	ep.mu.Lock()
	pc := ep.pc
	ep.pc = nil
	ep.connected = false
	ep.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}

	p := ep.pipeline
	p.mu.Lock()
	delete(p.viewers, ep.id)
	if p.publisher == ep {
		p.publisher = nil
		p.tracks = nil
	}
	p.mu.Unlock()
}

// Resolve maps a stored external ID back to the live handle.
func (s *WebRTCServer) Resolve(_ context.Context, externalID string) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pipelines[externalID]; ok {
		return p, nil
	}
	if ep, ok := s.endpoints[externalID]; ok {
		return ep, nil
	}
	return nil, errs.ErrStaleHandle
}

// HandlePublisherOffer answers a publisher's SDP offer, wiring incoming
// tracks into the pipeline's fan-out.
func (s *WebRTCServer) HandlePublisherOffer(endpointID string, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error {
	s.mu.RLock()
	ep, ok := s.endpoints[endpointID]
	s.mu.RUnlock()
	if !ok || ep.kind != models.ElementPublisher {
		return errs.ErrStaleHandle
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	p := ep.pipeline
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{remote: track, pub: ep}
		p.mu.Lock()
		p.tracks = append(p.tracks, relay)
		viewers := make([]*rtcEndpoint, 0, len(p.viewers))
		for _, v := range p.viewers {
			viewers = append(viewers, v)
		}
		p.mu.Unlock()
		for _, v := range viewers {
			v.mu.RLock()
			vpc := v.pc
			v.mu.RUnlock()
			if vpc != nil {
				relay.attachViewer(v, vpc)
			}
		}
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return err
	}

	ep.mu.Lock()
	if ep.pc != nil {
		_ = ep.pc.Close()
	}
	ep.pc = pc
	ep.send = sendToClient
	ep.mu.Unlock()

	sendToClient("webrtc_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

// HandleViewerSubscribe builds the viewer's peer connection over the
// publisher's current tracks and sends the SDP offer.
func (s *WebRTCServer) HandleViewerSubscribe(endpointID string, sendToClient func(event string, payload interface{})) error {
	s.mu.RLock()
	ep, ok := s.endpoints[endpointID]
	s.mu.RUnlock()
	if !ok || ep.kind != models.ElementViewer {
		return errs.ErrStaleHandle
	}

	p := ep.pipeline
	p.mu.RLock()
	hasPublisher := p.publisher != nil && len(p.tracks) > 0
	tracks := make([]*relayTrack, len(p.tracks))
	copy(tracks, p.tracks)
	p.mu.RUnlock()
	if !hasPublisher {
		sendToClient("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "viewer", "candidate": json.RawMessage(b)})
	})

	for _, relay := range tracks {
		relay.attachViewer(ep, pc)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}

	ep.mu.Lock()
	if ep.pc != nil {
		_ = ep.pc.Close()
	}
	ep.pc = pc
	ep.send = sendToClient
	ep.mu.Unlock()

	sendToClient("webrtc_viewer_offer", map[string]interface{}{
		"type": offer.Type.String(),
		"sdp":  offer.SDP,
	})
	return nil
}

// HandleViewerAnswer sets the viewer's SDP answer.
func (s *WebRTCServer) HandleViewerAnswer(endpointID string, sdp webrtc.SessionDescription) error {
	s.mu.RLock()
	ep, ok := s.endpoints[endpointID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrStaleHandle
	}
	ep.mu.RLock()
	pc := ep.pc
	ep.mu.RUnlock()
	if pc == nil {
		return nil
	}
	return pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a trickled ICE candidate to the endpoint's peer
// connection. Candidates arriving before the connection exists are dropped;
// the client retries on the renegotiated connection.
func (s *WebRTCServer) AddICECandidate(endpointID string, candidate webrtc.ICECandidateInit) error {
	s.mu.RLock()
	ep, ok := s.endpoints[endpointID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrStaleHandle
	}
	ep.mu.RLock()
	pc := ep.pc
	ep.mu.RUnlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(candidate)
}

func (rt *relayTrack) attachViewer(v *rtcEndpoint, pc *webrtc.PeerConnection) {
	local, err := webrtc.NewTrackLocalStaticRTP(rt.remote.Codec().RTPCodecCapability, rt.remote.ID(), rt.remote.StreamID())
	if err != nil {
		return
	}
	rt.mu.Lock()
	rt.locals = append(rt.locals, localSink{track: local, viewer: v})
	rt.mu.Unlock()
	_, _ = pc.AddTrack(local)
}

func (rt *relayTrack) readAndForward() {
	isVideo := rt.remote.Kind() == webrtc.RTPCodecTypeVideo
	for {
		// Reuse buffer from pool to avoid per-packet allocs and bound memory.
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}

		if isVideo {
			rt.pub.mu.RLock()
			pubVideo := rt.pub.videoEnabled
			rt.pub.mu.RUnlock()
			if !pubVideo {
				rtpBufferPool.Put(ptr)
				continue
			}
		}

		// Copy the sink list under lock, then write without holding it so
		// one slow viewer doesn't block others.
		rt.mu.Lock()
		locals := make([]localSink, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, sink := range locals {
			if isVideo {
				sink.viewer.mu.RLock()
				wantVideo := sink.viewer.videoEnabled
				sink.viewer.mu.RUnlock()
				if !wantVideo {
					continue
				}
			}
			_, _ = sink.track.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
