// ABOUTME: Join filter deciding which replayed, snapshot and live events a socket forwards
// ABOUTME: A seq watermark covers persisted history; fingerprints cover snapshot events seen again live

package gateway

import "github.com/2389/coven-sessions/internal/event"

// joinFilter tracks what a client already has so the replay/snapshot/live
// hand-off neither repeats nor drops an event.
type joinFilter struct {
	watermark int64
	seen      map[string]struct{}
}

func newJoinFilter(lastEvent int64) *joinFilter {
	return &joinFilter{watermark: lastEvent, seen: make(map[string]struct{})}
}

// replayed records an event sent from the persisted log.
func (f *joinFilter) replayed(ev event.ChatEvent) {
	if ev.Seq > f.watermark {
		f.watermark = ev.Seq
	}
}

// admitSnapshot reports whether a snapshot event should be sent, and
// remembers its fingerprint so the live copy can be recognized.
func (f *joinFilter) admitSnapshot(ev event.ChatEvent) bool {
	if ev.Persisted() && ev.Seq <= f.watermark {
		return false
	}
	if fp := ev.Fingerprint(); fp != "" {
		f.seen[fp] = struct{}{}
	}
	return true
}

// admitLive reports whether a live event should be forwarded.
func (f *joinFilter) admitLive(ev event.ChatEvent) bool {
	if ev.Kind.Ephemeral() {
		return true
	}
	if ev.Persisted() && ev.Seq <= f.watermark {
		return false
	}
	if fp := ev.Fingerprint(); fp != "" {
		if _, dup := f.seen[fp]; dup {
			delete(f.seen, fp)
			return false
		}
	}
	if ev.Kind == event.KindResult {
		clear(f.seen)
	}
	if ev.Seq > f.watermark {
		f.watermark = ev.Seq
	}
	return true
}
