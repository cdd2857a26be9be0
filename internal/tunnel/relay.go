package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
)

// relay copies bytes between server and target until either direction ends,
// then closes both. It returns the error which ended the first direction,
// or nil when that direction reached end of stream or ctx was cancelled.
func relay(ctx context.Context, server, target net.Conn) (closedBy string, err error) {
	closeBoth := func() {
		_ = server.Close()
		_ = target.Close()
	}

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	type result struct {
		from string
		err  error
	}

	results := make(chan result, 2)
	go func() {
		_, err := io.Copy(target, server)
		results <- result{"server", err}
	}()

	go func() {
		_, err := io.Copy(server, target)
		results <- result{"target", err}
	}()

	first := <-results
	closeBoth()
	<-results

	if ctx.Err() != nil {
		return "client", nil
	}

	if first.err == nil || errors.Is(first.err, io.EOF) || errors.Is(first.err, net.ErrClosed) {
		return first.from, nil
	}

	return first.from, first.err
}
