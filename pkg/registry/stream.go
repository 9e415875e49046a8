package registry

import (
	"sync"
	"time"

	"github.com/JRascall/MediaServer/pkg/flv"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

type playerState struct {
	player       medias.Player
	paused       bool
	receiveAudio bool
	receiveVideo bool
}

// Publisher is the live state of one published stream: codec info, the
// sequence headers and metadata replayed to joining players, the GOP cache
// and the attached players. Everything below mtx is guarded by it.
type Publisher struct {
	SessionID string
	Path      StreamPath
	StartedAt time.Time

	mtx        sync.Mutex
	closed     bool
	audioCodec int
	videoCodec int
	firstAudio bool
	firstVideo bool
	metadata   *medias.Frame
	audioSeq   *medias.Frame
	videoSeq   *medias.Frame
	gop        gopCache
	gopEnabled bool
	players    map[string]*playerState
	bytesIn    uint64
	framesIn   uint64
}

func newPublisher(path StreamPath, sessionID string, opts Options) *Publisher {
	return &Publisher{
		SessionID:  sessionID,
		Path:       path,
		StartedAt:  time.Now(),
		audioCodec: -1,
		videoCodec: -1,
		gop:        gopCache{limit: opts.GopCacheLimit},
		gopEnabled: opts.GopCache,
		players:    make(map[string]*playerState),
	}
}

// SetMetadata stores an onMetaData payload and forwards it to the players.
func (p *Publisher) SetMetadata(payload []byte, timestamp uint32) {
	f := medias.NewFrame(flv.TagScript, timestamp, payload)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return
	}
	p.metadata = f
	p.fanOut(f)
}

// Publish records one audio or video frame and forwards it, in arrival
// order, to every attached player.
func (p *Publisher) Publish(f *medias.Frame) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.closed {
		return
	}
	p.bytesIn += uint64(len(f.Payload))
	p.framesIn++

	cacheable := true
	switch {
	case f.IsAudio():
		p.firstAudio = true
		if c := medias.AudioCodec(f.Payload); c >= 0 {
			p.audioCodec = c
		}
		if medias.IsAudioSequenceHeader(f.Payload) {
			p.audioSeq = f
			cacheable = false
		}
	case f.IsVideo():
		p.firstVideo = true
		if c := medias.VideoCodec(f.Payload); c >= 0 {
			p.videoCodec = c
		}
		if medias.IsVideoSequenceHeader(f.Payload) {
			p.videoSeq = f
			cacheable = false
		} else if medias.IsKeyFrame(f.Payload) {
			p.gop.keyframe()
		}
	default:
		cacheable = false
	}
	if cacheable && p.gopEnabled {
		p.gop.push(f)
	}
	p.fanOut(f)
}

func (p *Publisher) fanOut(f *medias.Frame) {
	for id, st := range p.players {
		if st.paused {
			continue
		}
		if (f.IsAudio() && !st.receiveAudio) || (f.IsVideo() && !st.receiveVideo) {
			continue
		}
		if !st.player.Play(f) {
			// slow consumer: drop it rather than stall the publisher
			delete(p.players, id)
			_ = st.player.Close()
		}
	}
}

// attach replays the join backlog and adds the player. Called with p.mtx held.
func (p *Publisher) attach(pl medias.Player) bool {
	pl.Begin(p.firstAudio, p.firstVideo)
	backlog := make([]*medias.Frame, 0, len(p.gop.frames)+3)
	if p.metadata != nil {
		backlog = append(backlog, p.metadata)
	}
	if p.audioSeq != nil && medias.AudioNeedsSequenceHeader(p.audioCodec) {
		backlog = append(backlog, p.audioSeq)
	}
	if p.videoSeq != nil && medias.VideoNeedsSequenceHeader(p.videoCodec) {
		backlog = append(backlog, p.videoSeq)
	}
	backlog = append(backlog, p.gop.frames...)
	for _, f := range backlog {
		if !pl.Play(f) {
			_ = pl.Close()
			return false
		}
	}
	p.players[pl.Id()] = &playerState{player: pl, receiveAudio: true, receiveVideo: true}
	return true
}

func (p *Publisher) detach(id string) bool {
	if _, ok := p.players[id]; !ok {
		return false
	}
	delete(p.players, id)
	return true
}

func (p *Publisher) setPaused(id string, paused bool) bool {
	st, ok := p.players[id]
	if !ok {
		return false
	}
	st.paused = paused
	if !paused {
		if p.audioSeq != nil {
			st.player.Play(p.audioSeq)
		}
		if p.videoSeq != nil {
			st.player.Play(p.videoSeq)
		}
	}
	return true
}

// close detaches every player. Players that want to wait for the next
// publisher are returned, the rest are closed.
func (p *Publisher) close() []medias.Player {
	p.closed = true
	var waiting []medias.Player
	for id, st := range p.players {
		if st.player.Unpublished() {
			waiting = append(waiting, st.player)
		} else {
			_ = st.player.Close()
		}
		delete(p.players, id)
	}
	p.gop.clear()
	return waiting
}

func (p *Publisher) Info() StreamInfo {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	info := StreamInfo{
		Path:        p.Path.String(),
		App:         p.Path.App,
		Name:        p.Path.Name,
		PublisherID: p.SessionID,
		StartedAt:   p.StartedAt,
		AudioCodec:  medias.AudioCodecName(p.audioCodec),
		VideoCodec:  medias.VideoCodecName(p.videoCodec),
		HasMetadata: p.metadata != nil,
		BytesIn:     p.bytesIn,
		FramesIn:    p.framesIn,
		GopFrames:   len(p.gop.frames),
		GopBytes:    p.gop.size,
		Players:     make([]PlayerInfo, 0, len(p.players)),
	}
	for _, st := range p.players {
		info.Players = append(info.Players, PlayerInfo{ID: st.player.Id(), Kind: st.player.Kind(), Paused: st.paused})
	}
	return info
}

// PlayerCount is the number of attached players.
func (p *Publisher) PlayerCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.players)
}

// Tracks reports whether audio and video have been seen so far.
func (p *Publisher) Tracks() (hasAudio, hasVideo bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.firstAudio, p.firstVideo
}
