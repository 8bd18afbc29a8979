package registry

import "time"

// perfWindow bounds the rolling performance window per session.
const perfWindow = 10

// Sample is one observed request outcome for a provider.
type Sample struct {
	TokensPerSecond float64
	DurationSeconds float64
	Success         bool
	At              time.Time
}

// perfRing is a fixed-size ring of the last perfWindow samples. Not safe for
// concurrent use on its own; the registry's table guard covers it.
type perfRing struct {
	samples [perfWindow]Sample
	n       int
	next    int
}

func (p *perfRing) push(s Sample) {
	p.samples[p.next] = s
	p.next = (p.next + 1) % perfWindow
	if p.n < perfWindow {
		p.n++
	}
}

// stats returns the success rate over the window, the mean tokens/sec over
// the successful samples, and the maximum tokens/sec seen. All zero for an
// empty window.
func (p *perfRing) stats() (successRate, avgTPS, maxTPS float64) {
	if p.n == 0 {
		return 0, 0, 0
	}
	var ok int
	var sum float64
	for i := 0; i < p.n; i++ {
		s := p.samples[i]
		if !s.Success {
			continue
		}
		ok++
		sum += s.TokensPerSecond
		if s.TokensPerSecond > maxTPS {
			maxTPS = s.TokensPerSecond
		}
	}
	successRate = float64(ok) / float64(p.n)
	if ok > 0 {
		avgTPS = sum / float64(ok)
	}
	return successRate, avgTPS, maxTPS
}
