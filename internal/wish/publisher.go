package wish

import "sync"

// Publisher broadcasts the most recently validated wish URL. It is
// last-value-wins: subscribers that fall behind see only the newest value,
// and new subscribers immediately observe the current one. Having no value
// yet is a legitimate state, not an error.
type Publisher struct {
	mu       sync.Mutex
	current  string
	hasValue bool
	subs     []chan string
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish records url as the current value and notifies every subscriber.
func (p *Publisher) Publish(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = url
	p.hasValue = true

	for _, ch := range p.subs {
		select {
		case ch <- url:
		default:
			// Subscriber hasn't consumed the previous value; replace it.
			select {
			case <-ch:
			default:
			}
			ch <- url
		}
	}
}

// Current returns the latest published URL, if any.
func (p *Publisher) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.hasValue
}

// Subscribe returns a channel carrying the newest URL. The current value, if
// one exists, is delivered immediately.
func (p *Publisher) Subscribe() <-chan string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan string, 1)
	if p.hasValue {
		ch <- p.current
	}
	p.subs = append(p.subs, ch)
	return ch
}
