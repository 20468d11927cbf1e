package wish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherNoValueYet(t *testing.T) {
	p := NewPublisher()

	_, ok := p.Current()
	assert.False(t, ok)

	select {
	case url := <-p.Subscribe():
		t.Fatalf("unexpected value %q before any publish", url)
	default:
	}
}

func TestPublisherDeliversToSubscribers(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe()

	p.Publish("https://example.test/one")

	assert.Equal(t, "https://example.test/one", <-sub)

	current, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "https://example.test/one", current)
}

func TestPublisherNewSubscriberSeesCurrentValue(t *testing.T) {
	p := NewPublisher()
	p.Publish("https://example.test/one")

	assert.Equal(t, "https://example.test/one", <-p.Subscribe())
}

func TestPublisherLastValueWins(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe()

	// Subscriber hasn't read; a slow consumer only sees the newest value.
	p.Publish("https://example.test/one")
	p.Publish("https://example.test/two")

	assert.Equal(t, "https://example.test/two", <-sub)

	select {
	case url := <-sub:
		t.Fatalf("stale value %q should have been replaced", url)
	default:
	}
}
