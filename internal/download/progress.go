package download

import "time"

// Progress reports bytes on disk for one download.
type Progress struct {
	Downloaded int64   `json:"downloaded_bytes"`
	Total      int64   `json:"total_bytes"`
	Percent    float64 `json:"percentage"`
}

// Observer receives progress from the pipeline. OnProgress is called on the
// downloading goroutine and should return quickly.
type Observer interface {
	OnProgress(Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) { f(p) }

// throttle limits progress emission: the first update is always emitted,
// later ones at most once per interval, and complete always emits unless
// the last emitted value already equals the final count.
type throttle struct {
	obs      Observer
	interval time.Duration
	now      func() time.Time

	emitted  bool
	last     time.Time
	lastDone int64
}

func newThrottle(obs Observer, interval time.Duration, now func() time.Time) *throttle {
	if now == nil {
		now = time.Now
	}
	return &throttle{obs: obs, interval: interval, now: now}
}

func (t *throttle) update(done, total int64) {
	if t.obs == nil {
		return
	}
	now := t.now()
	if t.emitted && now.Sub(t.last) < t.interval {
		return
	}
	t.emit(now, done, total)
}

func (t *throttle) complete(done, total int64) {
	if t.obs == nil {
		return
	}
	if t.emitted && t.lastDone == done {
		return
	}
	t.emit(t.now(), done, total)
}

func (t *throttle) emit(now time.Time, done, total int64) {
	t.emitted = true
	t.last = now
	t.lastDone = done
	p := Progress{Downloaded: done, Total: total}
	if total > 0 {
		p.Percent = float64(done) * 100 / float64(total)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	t.obs.OnProgress(p)
}
