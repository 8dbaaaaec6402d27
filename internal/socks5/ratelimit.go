package socks5

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader wraps an io.Reader with a token-bucket limiter so a
// single CONNECT relay cannot monopolize the tunnel.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// relayBurstSize is the largest single read the limiter will admit at once.
const relayBurstSize = 32 * 1024

// newRateLimitedReader limits r to bytesPerSecond. A non-positive limit
// returns r unchanged.
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	burst := relayBurstSize
	if int64(burst) > bytesPerSecond {
		burst = int(bytesPerSecond)
	}
	return &rateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		ctx:     ctx,
	}
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
		return n, werr
	}
	return n, err
}
