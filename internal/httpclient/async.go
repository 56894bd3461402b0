package httpclient

import "context"

// Outcome is delivered by the asynchronous call path.
type Outcome struct {
	Response *Response
	Err      error
}

// Go runs req on its own goroutine with the same rate-limit and retry
// semantics as Do. The returned channel receives exactly one Outcome and is
// then closed. Limiter and backoff waits only block that goroutine.
func (c *Client) Go(ctx context.Context, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		resp, err := c.Do(ctx, req)
		out <- Outcome{Response: resp, Err: err}
	}()
	return out
}
