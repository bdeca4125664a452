package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skiff/api/fault"
)

func TestCreateArgs(t *testing.T) {
	tests := []struct {
		name     string
		opts     CreateOpts
		bindAddr string
		want     string
	}{
		{
			name: "any host port",
			opts: CreateOpts{Name: "skiff-node-1a2b3c4d", Image: "node:20-alpine", Port: 3000, Cmd: []string{"sleep", "infinity"}},
			want: "run -d --name skiff-node-1a2b3c4d -p 3000 node:20-alpine sleep infinity",
		},
		{
			name: "fixed host port with env and labels sorted",
			opts: CreateOpts{
				Name: "db", Image: "mysql:8", Port: 3306, HostPort: 13306,
				Env:    map[string]string{"MYSQL_USER": "evaluator", "MYSQL_DATABASE": "test_db"},
				Labels: map[string]string{LabelManaged: "true", LabelFamily: "mysql"},
			},
			want: "run -d --name db --label skiff.family=mysql --label skiff.managed=true -p 13306:3306 -e MYSQL_DATABASE=test_db -e MYSQL_USER=evaluator mysql:8",
		},
		{
			name:     "bind address and network",
			opts:     CreateOpts{Name: "x", Image: "alpine", Port: 80, Network: "skiff"},
			bindAddr: "127.0.0.1",
			want:     "run -d --name x -p 127.0.0.1::80 --network skiff alpine",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(createArgs(tt.opts, tt.bindAddr), " ")
			if got != tt.want {
				t.Errorf("createArgs =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestExecArgsNoShell(t *testing.T) {
	argv := []string{"git", "clone", "https://github.com/a/b; rm -rf /", "/app/b"}
	got := execArgs("abc123", ExecOpts{Argv: argv, WorkDir: "/app", Env: map[string]string{"CI": "1"}, Detach: true})
	want := []string{"exec", "-d", "-w", "/app", "-e", "CI=1", "abc123", "git", "clone", "https://github.com/a/b; rm -rf /", "/app/b"}
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("execArgs = %q, want %q", got, want)
	}
}

func TestTrackedArgvIsPositional(t *testing.T) {
	argv := []string{"npm", "run", "build; rm -rf /"}
	got := trackedArgv("/tmp/.skiff-exec-1", argv)
	want := []string{"sh", "-c", trackScript, "/tmp/.skiff-exec-1", "npm", "run", "build; rm -rf /"}
	if strings.Join(got, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("trackedArgv = %q", got)
	}
	if !strings.HasPrefix(newPidFile(), pidFilePrefix) || newPidFile() == newPidFile() {
		t.Error("pid files should be unique under the prefix")
	}
}

// fakeDocker writes a docker stand-in that logs each invocation and blocks
// on any command containing a bare sleep argument.
func fakeDocker(t *testing.T) (*Docker, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$*\" >> '" + logPath + "'\n" +
		"for a in \"$@\"; do [ \"$a\" = sleep ] && exec sleep 5; done\n" +
		"exit 0\n"
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return NewDocker(bin, ""), logPath
}

func TestExecTimeoutKillsInContainerProcess(t *testing.T) {
	d, logPath := fakeDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := d.Exec(ctx, "c1", ExecOpts{Argv: []string{"sleep", "600"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit = %d", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("exec blocked for %s", elapsed)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	calls := string(data)
	run := strings.Index(calls, "exec c1 sh -c")
	kill := strings.Index(calls, "kill -KILL")
	if run < 0 || !strings.Contains(calls, "sleep 600") {
		t.Fatalf("command not run under the tracking shell:\n%s", calls)
	}
	if kill < run {
		t.Fatalf("no kill after the timed-out exec:\n%s", calls)
	}
	if n := strings.Count(calls, pidFilePrefix); n != 2 {
		t.Errorf("pid file referenced %d times, want exec and kill to share one:\n%s", n, calls)
	}
}

func TestExecDetachedIsNotTracked(t *testing.T) {
	d, logPath := fakeDocker(t)
	if _, err := d.Exec(context.Background(), "c1", ExecOpts{Argv: []string{"node", "server.js"}, Detach: true}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(logPath)
	if got := strings.TrimSpace(string(data)); got != "exec -d c1 node server.js" {
		t.Errorf("calls = %q", got)
	}
}

func TestListArgs(t *testing.T) {
	got := strings.Join(listArgs(map[string]string{LabelManaged: "true"}), " ")
	if !strings.HasSuffix(got, "--filter label=skiff.managed=true") {
		t.Errorf("listArgs = %s", got)
	}
}

func TestParseInspect(t *testing.T) {
	data := []byte(`[{"State":{"Status":"running","Running":true,"ExitCode":0},
	"NetworkSettings":{"Ports":{"3000/tcp":[{"HostIp":"0.0.0.0","HostPort":"49153"},{"HostIp":"::","HostPort":"49153"}],"9229/tcp":null}}}]`)
	st, err := parseInspect(data)
	if err != nil {
		t.Fatalf("parseInspect: %v", err)
	}
	if !st.Running || st.Status != "running" {
		t.Errorf("state = %+v", st)
	}
	if st.HostPorts[3000] != 49153 {
		t.Errorf("host port = %d, want 49153", st.HostPorts[3000])
	}
	if _, ok := st.HostPorts[9229]; ok {
		t.Error("unpublished port should not be mapped")
	}

	if _, err := parseInspect([]byte(`[]`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty inspect = %v, want ErrNotFound", err)
	}
}

func TestParsePS(t *testing.T) {
	out := `{"ID":"aaa","Names":"skiff-node-11111111","State":"running","Labels":"skiff.managed=true,skiff.family=node,skiff.created=1700000000"}
{"ID":"bbb","Names":"skiff-generic-22222222","State":"exited","Labels":"skiff.managed=true"}
`
	list, err := parsePS(out)
	if err != nil {
		t.Fatalf("parsePS: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Labels[LabelFamily] != "node" || list[0].CreatedAt.Unix() != 1700000000 {
		t.Errorf("first = %+v", list[0])
	}
	if !list[1].CreatedAt.IsZero() {
		t.Error("missing created label should leave CreatedAt zero")
	}
}

func TestClassifyCreate(t *testing.T) {
	tests := []struct {
		stderr string
		want   fault.Kind
	}{
		{"docker: Error response from daemon: driver failed programming external connectivity: Bind for 0.0.0.0:8080 failed: port is already allocated.", fault.PortInUse},
		{"Error starting userland proxy: listen tcp4 0.0.0.0:8080: bind: address already in use", fault.PortInUse},
		{`docker: Error response from daemon: Conflict. The container name "/x" is already in use by container "abc".`, fault.NameConflict},
		{"Unable to find image 'nope:latest' locally", fault.Provision},
	}
	for _, tt := range tests {
		err := classifyCreate("x", "", tt.stderr, errors.New("exit status 125"))
		if got := fault.KindOf(err); got != tt.want {
			t.Errorf("classify(%q) = %s, want %s", tt.stderr, got, tt.want)
		}
		if !strings.Contains(err.Error(), tt.stderr) {
			t.Errorf("error should embed the daemon diagnostic: %v", err)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{limit: 4}
	n, _ := c.Write([]byte("abcdef"))
	if n != 6 {
		t.Errorf("Write returned %d, want 6", n)
	}
	c.Write([]byte("gh"))
	if got := c.String(); !strings.HasPrefix(got, "abcd\n") || !strings.Contains(got, "truncated") {
		t.Errorf("String = %q", got)
	}
}

func TestFirstFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "f", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg})
	tw.Write([]byte("a\n"))
	tw.Close()

	data, err := firstFile(&buf)
	if err != nil {
		t.Fatalf("firstFile: %v", err)
	}
	if string(data) != "a\n" {
		t.Errorf("data = %q", data)
	}

	var empty bytes.Buffer
	tar.NewWriter(&empty).Close()
	if _, err := firstFile(&empty); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty archive = %v, want ErrNotFound", err)
	}
}

func TestFileArchive(t *testing.T) {
	data, err := fileArchive("/input/img/cat.png", []byte("png"))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	if got := strings.Join(names, ","); got != "input/,input/img/,input/img/cat.png" {
		t.Errorf("entries = %s", got)
	}
	if _, err := fileArchive("/", nil); err == nil {
		t.Error("root path accepted")
	}
}

func TestReadTree(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "output/", Mode: 0o755, Typeflag: tar.TypeDir})
	tw.WriteHeader(&tar.Header{Name: "output/edges.png", Mode: 0o644, Size: 3, Typeflag: tar.TypeReg})
	tw.Write([]byte("png"))
	tw.WriteHeader(&tar.Header{Name: "output/plots/hist.png", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg})
	tw.Write([]byte("hist"))
	tw.WriteHeader(&tar.Header{Name: "output/latest", Linkname: "edges.png", Typeflag: tar.TypeSymlink})
	tw.Close()

	files, err := readTree(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || string(files["edges.png"]) != "png" || string(files["plots/hist.png"]) != "hist" {
		t.Errorf("files = %v", files)
	}

	var empty bytes.Buffer
	tw = tar.NewWriter(&empty)
	tw.WriteHeader(&tar.Header{Name: "output/", Mode: 0o755, Typeflag: tar.TypeDir})
	tw.Close()
	if _, err := readTree(&empty); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty dir = %v, want ErrNotFound", err)
	}
}

func TestCopyToStreamsArchive(t *testing.T) {
	d, logPath := fakeDocker(t)
	if err := d.CopyTo(context.Background(), "c1", "/input/in.png", []byte("png")); err != nil {
		t.Fatal(err)
	}
	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(log)); got != "cp - c1:/" {
		t.Errorf("docker args = %q", got)
	}
}

func dockerOrSkip(t *testing.T) *Docker {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	d := NewDocker("", "127.0.0.1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.Version(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
	return d
}

func TestDockerRoundTrip(t *testing.T) {
	d := dockerOrSkip(t)
	ctx := context.Background()

	id, err := d.Create(ctx, CreateOpts{
		Name:   fmt.Sprintf("skiff-test-%d", time.Now().UnixNano()),
		Image:  "alpine:3.20",
		Port:   8080,
		Cmd:    []string{"sleep", "300"},
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		t.Skipf("cannot create container (image pull?): %v", err)
	}
	defer d.Remove(context.Background(), id)

	res, err := d.Exec(ctx, id, ExecOpts{Argv: []string{"sh", "-c", "echo a > /tmp/f"}})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("exec: %+v %v", res, err)
	}
	data, err := d.CopyFrom(ctx, id, "/tmp/f")
	if err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	if string(data) != "a\n" {
		t.Errorf("artifact = %q", data)
	}
	if _, err := d.CopyFrom(ctx, id, "/tmp/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file = %v, want ErrNotFound", err)
	}

	if err := d.CopyTo(ctx, id, "/input/nested/in.txt", []byte("hello")); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}
	res, err = d.Exec(ctx, id, ExecOpts{Argv: []string{"cat", "/input/nested/in.txt"}})
	if err != nil || res.Stdout != "hello" {
		t.Errorf("copied file = %+v %v", res, err)
	}
	tree, err := d.CopyTreeFrom(ctx, id, "/input")
	if err != nil {
		t.Fatalf("CopyTreeFrom: %v", err)
	}
	if string(tree["nested/in.txt"]) != "hello" {
		t.Errorf("tree = %v", tree)
	}
	if _, err := d.CopyTreeFrom(ctx, id, "/nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing dir = %v, want ErrNotFound", err)
	}

	if err := d.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := d.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}
