package handler

import (
	"time"

	"github.com/vango-go/vai-coach/pkg/coach/protocol"
)

// streamRejection is why a chunk was refused; code and message go straight
// into the error frame.
type streamRejection struct {
	code    string
	message string
}

func (r *streamRejection) Error() string { return r.message }

var (
	errStreamRateLimited = &streamRejection{code: codeRateLimited, message: "Audio stream rate limit exceeded"}
	errStreamTooLarge    = &streamRejection{code: protocol.CodeBadRequest, message: "Audio stream too large"}
)

// bucket is a token bucket refilled continuously at rate per second up to
// capacity. A bucket with no rate admits everything.
type bucket struct {
	rate     float64
	capacity float64
	tokens   float64
}

func newBucket(rate int64, burstSeconds int) bucket {
	if rate <= 0 {
		return bucket{}
	}
	c := float64(rate) * float64(burstSeconds)
	return bucket{rate: float64(rate), capacity: c, tokens: c}
}

func (b *bucket) refill(elapsed time.Duration) {
	if b.rate == 0 {
		return
	}
	b.tokens += float64(elapsed) * b.rate / float64(time.Second)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

func (b *bucket) covers(n float64) bool { return b.rate == 0 || b.tokens >= n }

func (b *bucket) take(n float64) {
	if b.rate != 0 {
		b.tokens -= n
	}
}

// audioStreamPolicy admits audio_stream chunks for one connection. It
// enforces a chunk rate and a byte rate, and keeps the current utterance
// under maxBuffered bytes so a final chunk can be answered from it. It is
// used from the connection's run goroutine only.
type audioStreamPolicy struct {
	now  func() time.Time
	last time.Time

	chunks bucket
	bytes  bucket

	maxBuffered int
	utterance   []byte
}

func newAudioStreamPolicy(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds, maxBuffered int) *audioStreamPolicy {
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioStreamPolicy{
		now:         now,
		last:        now(),
		chunks:      newBucket(int64(chunksPerSecond), burstSeconds),
		bytes:       newBucket(bytesPerSecond, burstSeconds),
		maxBuffered: maxBuffered,
	}
}

// Admit charges chunk against both rates and appends it to the utterance.
// A refused chunk is not buffered. Overflowing the buffer also discards the
// utterance collected so far.
func (p *audioStreamPolicy) Admit(chunk []byte) error {
	if now := p.now(); now.After(p.last) {
		elapsed := now.Sub(p.last)
		p.chunks.refill(elapsed)
		p.bytes.refill(elapsed)
		p.last = now
	}

	n := float64(len(chunk))
	if !p.chunks.covers(1) || !p.bytes.covers(n) {
		return errStreamRateLimited
	}
	p.chunks.take(1)
	p.bytes.take(n)

	if p.maxBuffered > 0 && len(p.utterance)+len(chunk) > p.maxBuffered {
		p.Reset()
		return errStreamTooLarge
	}
	p.utterance = append(p.utterance, chunk...)
	return nil
}

// Utterance returns the audio admitted since the last Reset.
func (p *audioStreamPolicy) Utterance() []byte { return p.utterance }

func (p *audioStreamPolicy) Reset() { p.utterance = nil }
