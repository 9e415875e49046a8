package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRascall/MediaServer/pkg/flv"
	"github.com/JRascall/MediaServer/pkg/rtmpserver/medias"
)

type fakePlayer struct {
	id        string
	kind      string
	waitAgain bool
	capacity  int

	mtx    sync.Mutex
	calls  []string
	frames []*medias.Frame
	closed bool
}

func newFakePlayer(id string) *fakePlayer {
	return &fakePlayer{id: id, kind: "rtmp", waitAgain: true, capacity: -1}
}

func (p *fakePlayer) Id() string   { return p.id }
func (p *fakePlayer) Kind() string { return p.kind }

func (p *fakePlayer) Begin(hasAudio, hasVideo bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("begin %v %v", hasAudio, hasVideo))
}

func (p *fakePlayer) Play(f *medias.Frame) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.capacity >= 0 && len(p.frames) >= p.capacity {
		return false
	}
	p.frames = append(p.frames, f)
	p.calls = append(p.calls, name(f))
	return true
}

func (p *fakePlayer) Unpublished() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls = append(p.calls, "unpublished")
	return p.waitAgain
}

func (p *fakePlayer) IsClosed() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.closed
}

func (p *fakePlayer) Close() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayer) Calls() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]string(nil), p.calls...)
}

var (
	aacHeader  = []byte{0xaf, 0x00, 0x12, 0x10}
	aacFrame   = []byte{0xaf, 0x01, 0x21}
	avcHeader  = []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01}
	avcKey     = []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x65}
	avcInter   = []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0x41}
	scriptData = []byte{0x02, 0x00, 0x0a, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a'}
)

func name(f *medias.Frame) string {
	switch {
	case f.Type == flv.TagScript:
		return "meta"
	case medias.IsAudioSequenceHeader(f.Payload):
		return "aseq"
	case medias.IsVideoSequenceHeader(f.Payload):
		return "vseq"
	case f.IsAudio():
		return fmt.Sprintf("a@%d", f.Timestamp)
	case medias.IsKeyFrame(f.Payload):
		return fmt.Sprintf("K@%d", f.Timestamp)
	default:
		return fmt.Sprintf("P@%d", f.Timestamp)
	}
}

func audio(ts uint32, payload []byte) *medias.Frame {
	return medias.NewFrame(flv.TagAudio, ts, payload)
}

func video(ts uint32, payload []byte) *medias.Frame {
	return medias.NewFrame(flv.TagVideo, ts, payload)
}

var live = StreamPath{App: "live", Name: "x"}

func newTestRegistry() *Registry {
	return NewRegistry(Options{GopCache: true})
}

func gopNames(p *Publisher) []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]string, 0, len(p.gop.frames))
	for _, f := range p.gop.frames {
		out = append(out, name(f))
	}
	return out
}

func TestParseStreamPath(t *testing.T) {
	p, err := ParseStreamPath("/live/x")
	require.NoError(t, err)
	assert.Equal(t, live, p)
	assert.Equal(t, "/live/x", p.String())

	p, err = ParseStreamPath("live/x")
	require.NoError(t, err)
	assert.Equal(t, live, p)

	for _, raw := range []string{"", "/", "/live", "/live/", "//x", "/a/b/c"} {
		_, err := ParseStreamPath(raw)
		assert.IsType(t, InvalidPath{}, err, raw)
	}
}

func TestGopCacheResetsOnKeyframe(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.Publish(video(0, avcKey))
	pub.Publish(video(40, avcInter))
	assert.Equal(t, []string{"K@0", "P@40"}, gopNames(pub))

	pub.Publish(video(80, avcKey))
	pub.Publish(audio(90, aacFrame))
	assert.Equal(t, []string{"K@80", "a@90"}, gopNames(pub))
}

func TestGopCacheMixedSequence(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.Publish(audio(0, aacFrame))
	pub.Publish(audio(10, aacFrame))
	pub.Publish(video(20, avcKey))
	pub.Publish(audio(30, aacFrame))
	pub.Publish(video(40, avcInter))
	pub.Publish(video(50, avcKey))
	pub.Publish(audio(60, aacFrame))
	assert.Equal(t, []string{"K@50", "a@60"}, gopNames(pub))
}

func TestGopCacheSkipsFramesBeforeFirstKeyframe(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.Publish(audio(0, aacFrame))
	pub.Publish(video(10, avcInter))
	assert.Empty(t, gopNames(pub))

	pub.Publish(video(20, avcKey))
	assert.Equal(t, []string{"K@20"}, gopNames(pub))
}

func TestGopCacheNeverHoldsSequenceHeaders(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.Publish(video(0, avcKey))
	pub.Publish(video(0, avcHeader))
	pub.Publish(audio(0, aacHeader))
	assert.Equal(t, []string{"K@0"}, gopNames(pub))
}

func TestGopCacheLimit(t *testing.T) {
	key := video(0, avcKey)
	r := NewRegistry(Options{GopCache: true, GopCacheLimit: key.Size() * 2})
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.Publish(key)
	pub.Publish(video(40, avcInter))
	assert.Len(t, gopNames(pub), 2)

	pub.Publish(video(80, avcInter))
	assert.Empty(t, gopNames(pub))
	pub.Publish(video(120, avcInter))
	assert.Empty(t, gopNames(pub))

	pub.Publish(video(160, avcKey))
	assert.Equal(t, []string{"K@160"}, gopNames(pub))
}

func TestGopCacheDisabled(t *testing.T) {
	r := NewRegistry(Options{})
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pub.Publish(video(0, avcKey))
	assert.Empty(t, gopNames(pub))
}

func TestJoinOrder(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	pub.SetMetadata(scriptData, 0)
	pub.Publish(video(0, avcHeader))
	pub.Publish(audio(0, aacHeader))
	pub.Publish(video(0, avcKey))
	pub.Publish(audio(20, aacFrame))
	pub.Publish(video(40, avcInter))

	pl := newFakePlayer("P1")
	attached, err := r.Play(live, pl)
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Equal(t, []string{"begin true true", "meta", "aseq", "vseq", "K@0", "a@20", "P@40"}, pl.Calls())

	pub.Publish(video(80, avcInter))
	calls := pl.Calls()
	assert.Equal(t, "P@80", calls[len(calls)-1])
}

func TestJoinWithoutVideo(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pub.Publish(audio(0, aacHeader))
	pub.Publish(audio(20, aacFrame))

	pl := newFakePlayer("P1")
	_, err = r.Play(live, pl)
	require.NoError(t, err)
	assert.Equal(t, []string{"begin true false", "aseq"}, pl.Calls())
}

func TestPublishIsExclusive(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "A")
	require.NoError(t, err)
	pl := newFakePlayer("P1")
	_, err = r.Play(live, pl)
	require.NoError(t, err)

	_, _, err = r.Publish(live, "B")
	assert.Equal(t, StreamBusy{Path: live}, err)

	got, ok := r.Publisher(live)
	require.True(t, ok)
	assert.Same(t, pub, got)
	assert.Equal(t, "A", got.SessionID)
	assert.Equal(t, 1, pub.PlayerCount())
	assert.False(t, pl.IsClosed())

	assert.False(t, r.Unpublish(live, "B"))
	assert.True(t, r.IsPublishing(live))
}

func TestUnpublishCascade(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	rtmpPlayer := newFakePlayer("R1")
	flvPlayer := newFakePlayer("F1")
	flvPlayer.kind = "flv"
	flvPlayer.waitAgain = false
	_, err = r.Play(live, rtmpPlayer)
	require.NoError(t, err)
	_, err = r.Play(live, flvPlayer)
	require.NoError(t, err)
	pub.Publish(video(0, avcKey))

	assert.True(t, r.Unpublish(live, "PUB"))
	assert.False(t, r.IsPublishing(live))
	assert.Empty(t, r.GetStreams())

	assert.Contains(t, rtmpPlayer.Calls(), "unpublished")
	assert.False(t, rtmpPlayer.IsClosed())
	assert.True(t, r.IsIdle("R1"))

	assert.True(t, flvPlayer.IsClosed())
	assert.False(t, r.IsIdle("F1"))

	// frames after teardown are dropped
	pub.Publish(video(40, avcInter))
	assert.NotContains(t, rtmpPlayer.Calls(), "P@40")
}

func TestIdlePlayerStartsOnPublish(t *testing.T) {
	r := newTestRegistry()
	pl := newFakePlayer("P1")
	attached, err := r.Play(live, pl)
	require.NoError(t, err)
	assert.False(t, attached)
	assert.Equal(t, 1, r.IdleCount())

	pub, started, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "P1", started[0].Id())
	assert.Equal(t, 0, r.IdleCount())
	assert.Equal(t, 1, pub.PlayerCount())

	pub.Publish(video(0, avcKey))
	assert.Equal(t, []string{"begin false false", "K@0"}, pl.Calls())
}

func TestIdlePlayerOtherPathUntouched(t *testing.T) {
	r := newTestRegistry()
	pl := newFakePlayer("P1")
	_, err := r.Play(StreamPath{App: "live", Name: "y"}, pl)
	require.NoError(t, err)

	_, started, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	assert.Empty(t, started)
	assert.True(t, r.IsIdle("P1"))
}

func TestSlowPlayerIsDropped(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	slow := newFakePlayer("S1")
	slow.capacity = 2
	fast := newFakePlayer("F1")
	_, err = r.Play(live, slow)
	require.NoError(t, err)
	_, err = r.Play(live, fast)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		pub.Publish(audio(uint32(i*20), aacFrame))
	}
	assert.True(t, slow.IsClosed())
	assert.False(t, fast.IsClosed())
	assert.Equal(t, 1, pub.PlayerCount())
	assert.Len(t, fast.frames, 5)
}

func TestStopPlay(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pl := newFakePlayer("P1")
	_, err = r.Play(live, pl)
	require.NoError(t, err)

	assert.True(t, r.StopPlay(live, "P1"))
	assert.False(t, r.StopPlay(live, "P1"))
	assert.Equal(t, 0, pub.PlayerCount())

	idle := newFakePlayer("P2")
	_, err = r.Play(StreamPath{App: "live", Name: "y"}, idle)
	require.NoError(t, err)
	assert.False(t, r.StopPlay(StreamPath{App: "live", Name: "y"}, "P2"))
	assert.False(t, r.IsIdle("P2"))
}

func TestPauseAndResume(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pub.Publish(audio(0, aacHeader))
	pub.Publish(video(0, avcHeader))

	pl := newFakePlayer("P1")
	_, err = r.Play(live, pl)
	require.NoError(t, err)

	require.NoError(t, r.Pause(live, "P1", true))
	pub.Publish(video(40, avcKey))
	assert.NotContains(t, pl.Calls(), "K@40")

	require.NoError(t, r.Pause(live, "P1", false))
	pub.Publish(video(80, avcInter))
	calls := pl.Calls()
	assert.Equal(t, []string{"aseq", "vseq", "P@80"}, calls[len(calls)-3:])

	assert.IsType(t, PlayerNotFound{}, r.Pause(live, "nope", true))
	assert.IsType(t, StreamNotFound{}, r.Pause(StreamPath{App: "a", Name: "b"}, "P1", true))
}

func TestSetReceive(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pl := newFakePlayer("P1")
	_, err = r.Play(live, pl)
	require.NoError(t, err)

	require.NoError(t, r.SetReceive(live, "P1", true, false))
	pub.Publish(audio(0, aacFrame))
	pub.Publish(video(0, avcKey))
	assert.Equal(t, []string{"begin false false", "K@0"}, pl.Calls())

	require.NoError(t, r.SetReceive(live, "P1", false, false))
	require.NoError(t, r.SetReceive(live, "P1", true, true))
	pub.Publish(audio(20, aacFrame))
	pub.Publish(video(40, avcInter))
	calls := pl.Calls()
	assert.Equal(t, "a@20", calls[len(calls)-1])
}

func TestStreamInfo(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)
	pub.SetMetadata(scriptData, 0)
	pub.Publish(audio(0, aacHeader))
	pub.Publish(video(0, avcHeader))
	pub.Publish(video(0, avcKey))
	_, err = r.Play(live, newFakePlayer("P1"))
	require.NoError(t, err)

	info, err := r.GetStream(live)
	require.NoError(t, err)
	assert.Equal(t, "/live/x", info.Path)
	assert.Equal(t, "PUB", info.PublisherID)
	assert.Equal(t, "AAC", info.AudioCodec)
	assert.Equal(t, "H264", info.VideoCodec)
	assert.True(t, info.HasMetadata)
	assert.Equal(t, uint64(3), info.FramesIn)
	assert.Equal(t, 1, info.GopFrames)
	require.Len(t, info.Players, 1)
	assert.Equal(t, PlayerInfo{ID: "P1", Kind: "rtmp"}, info.Players[0])

	_, err = r.GetStream(StreamPath{App: "live", Name: "none"})
	assert.Equal(t, StreamNotFound{Path: StreamPath{App: "live", Name: "none"}}, err)
}

func TestSessionIds(t *testing.T) {
	r := newTestRegistry()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := r.NewSessionId()
		assert.Len(t, id, 8)
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 100, r.SessionCount())
	for id := range seen {
		r.ReleaseSession(id)
	}
	assert.Equal(t, 0, r.SessionCount())
}

func TestConcurrentPublishAndJoin(t *testing.T) {
	r := newTestRegistry()
	pub, _, err := r.Publish(live, "PUB")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%50 == 0 {
				pub.Publish(video(uint32(i), avcKey))
			} else {
				pub.Publish(video(uint32(i), avcInter))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("P%d", i)
			_, _ = r.Play(live, newFakePlayer(id))
			r.StopPlay(live, id)
		}
	}()
	wg.Wait()
	assert.Equal(t, 0, pub.PlayerCount())
}
