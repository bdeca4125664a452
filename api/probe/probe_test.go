package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestWaitForPortNeverOpens(t *testing.T) {
	port := closedPort(t)
	timeout := 600 * time.Millisecond

	start := time.Now()
	ok := WaitForPort(context.Background(), "127.0.0.1", port, timeout, 100*time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("closed port reported ready")
	}
	if elapsed < timeout {
		t.Errorf("returned after %s, before the %s deadline", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("returned after %s, well past the deadline", elapsed)
	}
}

func TestWaitForPortOpensLater(t *testing.T) {
	port := closedPort(t)
	go func() {
		time.Sleep(200 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		time.Sleep(2 * time.Second)
		ln.Close()
	}()
	if !WaitForPort(context.Background(), "127.0.0.1", port, 3*time.Second, 50*time.Millisecond) {
		t.Error("port opened but probe returned false")
	}
}

func TestWaitForPortCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	if WaitForPort(ctx, "127.0.0.1", closedPort(t), 10*time.Second, 50*time.Millisecond) {
		t.Fatal("unexpected success")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation not honoured")
	}
}

type countingExecer struct {
	calls   atomic.Int32
	succeed int32
}

func (c *countingExecer) Exec(ctx context.Context, env *model.Environment, argv []string, opts sandbox.ExecOptions) (sandbox.Output, error) {
	n := c.calls.Add(1)
	if n >= c.succeed {
		return sandbox.Output{}, nil
	}
	return sandbox.Output{ExitCode: 1}, fault.New(fault.Execution, "probe", "exit status 1")
}

func TestWaitForCommand(t *testing.T) {
	ex := &countingExecer{succeed: 3}
	ok := WaitForCommand(context.Background(), ex, &model.Environment{ID: "x"}, []string{"test", "-f", "/tmp/ready"}, 2*time.Second, 10*time.Millisecond)
	if !ok {
		t.Fatal("expected ready on third attempt")
	}
	if ex.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", ex.calls.Load())
	}

	never := &countingExecer{succeed: 1 << 30}
	if WaitForCommand(context.Background(), never, &model.Environment{ID: "x"}, []string{"false"}, 200*time.Millisecond, 20*time.Millisecond) {
		t.Error("failing command reported ready")
	}
}

func TestWaitForHTTP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	status, body, ok := WaitForHTTP(context.Background(), srv.URL+"/health", 2*time.Second, 20*time.Millisecond)
	if !ok || status != http.StatusOK {
		t.Fatalf("status = %d ok = %v", status, ok)
	}
	if string(body) != `{"status":"OK"}` {
		t.Errorf("body = %s", body)
	}
}
