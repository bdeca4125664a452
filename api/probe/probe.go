package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"skiff/api/model"
	"skiff/api/sandbox"
)

const (
	DefaultPortAttempts  = 30
	DefaultPortInterval  = time.Second
	DefaultMySQLAttempts = 30
	DefaultMySQLInterval = 2 * time.Second

	minAttemptTimeout = 50 * time.Millisecond
	maxCommandTimeout = 10 * time.Second
	maxBody           = 64 * 1024
)

// Execer is the part of the command executor the prober needs.
type Execer interface {
	Exec(ctx context.Context, env *model.Environment, argv []string, opts sandbox.ExecOptions) (sandbox.Output, error)
}

// poll calls try until it succeeds or timeout elapses. The last attempt is
// made at the deadline, so a false result never arrives early unless ctx
// is cancelled.
func poll(ctx context.Context, timeout, interval time.Duration, try func(ctx context.Context, budget time.Duration) bool) bool {
	if interval <= 0 {
		interval = DefaultPortInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		budget := interval
		if remaining < budget {
			budget = remaining
		}
		if budget < minAttemptTimeout {
			budget = minAttemptTimeout
		}
		if try(ctx, budget) {
			return true
		}
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// WaitForPort dials host:port until it accepts a connection. Refused and
// reset connections just mean not ready yet.
func WaitForPort(ctx context.Context, host string, port int, timeout, interval time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return poll(ctx, timeout, interval, func(ctx context.Context, budget time.Duration) bool {
		d := net.Dialer{Timeout: budget}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
}

// WaitForCommand runs argv inside env until it exits 0.
func WaitForCommand(ctx context.Context, ex Execer, env *model.Environment, argv []string, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	return poll(ctx, timeout, interval, func(ctx context.Context, _ time.Duration) bool {
		budget := time.Until(deadline)
		if budget > maxCommandTimeout {
			budget = maxCommandTimeout
		}
		if budget < minAttemptTimeout {
			budget = minAttemptTimeout
		}
		_, err := ex.Exec(ctx, env, argv, sandbox.ExecOptions{Timeout: budget})
		return err == nil
	})
}

// WaitForHTTP polls url until it answers 2xx and returns the last status and
// body seen.
func WaitForHTTP(ctx context.Context, url string, timeout, interval time.Duration) (int, []byte, bool) {
	var status int
	var body []byte
	ok := poll(ctx, timeout, interval, func(ctx context.Context, budget time.Duration) bool {
		client := &http.Client{Timeout: budget}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return status >= 200 && status < 300
	})
	return status, body, ok
}
