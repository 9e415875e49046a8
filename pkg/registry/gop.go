package registry

import "github.com/JRascall/MediaServer/pkg/rtmpserver/medias"

// gopCache holds every frame since the most recent keyframe. Nothing is
// cached before the first keyframe, and a cache that outgrows its limit is
// dropped until the next keyframe starts a new one.
type gopCache struct {
	frames  []*medias.Frame
	size    int
	limit   int
	started bool
	skipped bool
}

func (g *gopCache) keyframe() {
	g.frames = g.frames[:0]
	g.size = 0
	g.started = true
	g.skipped = false
}

func (g *gopCache) push(f *medias.Frame) {
	if !g.started || g.skipped {
		return
	}
	if g.limit > 0 && g.size+f.Size() > g.limit {
		g.frames = nil
		g.size = 0
		g.skipped = true
		return
	}
	g.frames = append(g.frames, f)
	g.size += f.Size()
}

func (g *gopCache) clear() {
	g.frames = nil
	g.size = 0
	g.started = false
	g.skipped = false
}
