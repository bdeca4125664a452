package runtime

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	pathpkg "path"
	"sort"
	"strconv"
	"strings"
	"time"

	"skiff/api/fault"
)

const (
	maxOutputBytes = 1 << 20 // 1MiB per stream
	maxTreeBytes   = 64 << 20
	killTimeout    = 10 * time.Second
	pidFilePrefix  = "/tmp/.skiff-exec-"
)

// trackScript records its pid in the file named by $0 and then execs the
// command, so the recorded pid is the command's own. The command arrives as
// positional parameters and is never parsed by the shell.
const trackScript = `echo $$ > "$0" 2>/dev/null; exec "$@"`

// killScript kills the process recorded in $0 together with its process
// group and every descendant listed under /proc.
const killScript = `p=$(cat "$0" 2>/dev/null) || exit 0
rm -f "$0"
[ -n "$p" ] || exit 0
tree() { for c in $(cat /proc/"$1"/task/*/children 2>/dev/null); do echo "$c"; tree "$c"; done; }
kids=$(tree "$p")
kill -KILL -- -"$p" 2>/dev/null
kill -KILL "$p" $kids 2>/dev/null
exit 0`

// Docker drives the docker CLI. Every call builds an argv; nothing goes
// through a shell.
type Docker struct {
	Binary   string // defaults to "docker"
	BindAddr string // host interface for published ports, empty for all
}

func NewDocker(binary, bindAddr string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{Binary: binary, BindAddr: bindAddr}
}

func (d *Docker) Create(ctx context.Context, opts CreateOpts) (string, error) {
	stdout, stderr, err := d.run(ctx, createArgs(opts, d.BindAddr)...)
	if err != nil {
		return "", classifyCreate(opts.Name, stdout, stderr, err)
	}
	id := strings.TrimSpace(stdout)
	if i := strings.LastIndexByte(id, '\n'); i >= 0 {
		// image pull progress can precede the id
		id = strings.TrimSpace(id[i+1:])
	}
	if id == "" {
		return "", fault.New(fault.Provision, "docker run "+opts.Image, "runtime returned no container id").WithOutput(stdout, stderr)
	}
	return id, nil
}

// Exec runs a command in the container. Killing the docker client does not
// stop the process inside the container, so foreground commands run under
// trackScript and are killed through their pid file when ctx ends first.
func (d *Docker) Exec(ctx context.Context, id string, opts ExecOpts) (ExecResult, error) {
	var pidFile string
	if !opts.Detach {
		pidFile = newPidFile()
		opts.Argv = trackedArgv(pidFile, opts.Argv)
	}
	stdout, stderr, err := d.run(ctx, execArgs(id, opts)...)
	res := ExecResult{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		if pidFile != "" {
			d.kill(id, pidFile)
		}
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if isNoSuchContainer(stderr) {
			return res, fmt.Errorf("exec in %s: %w", id, ErrNotFound)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("docker exec: %w", err)
}

// kill terminates a tracked exec. It runs on its own context because the
// caller's has already ended.
func (d *Docker) kill(id, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if _, stderr, err := d.run(ctx, killArgs(id, pidFile)...); err != nil && !isNoSuchContainer(stderr) {
		log.Printf("runtime: kill %s in %.12s: %v: %s", pidFile, id, err, strings.TrimSpace(stderr))
	}
}

func newPidFile() string {
	b := make([]byte, 8)
	rand.Read(b)
	return pidFilePrefix + hex.EncodeToString(b)
}

func trackedArgv(pidFile string, argv []string) []string {
	return append([]string{"sh", "-c", trackScript, pidFile}, argv...)
}

func killArgs(id, pidFile string) []string {
	return []string{"exec", id, "sh", "-c", killScript, pidFile}
}

type inspectJSON struct {
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (d *Docker) Inspect(ctx context.Context, id string) (State, error) {
	stdout, stderr, err := d.run(ctx, "inspect", "--type", "container", id)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return State{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
		}
		return State{}, fmt.Errorf("docker inspect %s: %w: %s", id, err, strings.TrimSpace(stderr))
	}
	return parseInspect([]byte(stdout))
}

func parseInspect(data []byte) (State, error) {
	var items []inspectJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return State{}, fmt.Errorf("decoding inspect output: %w", err)
	}
	if len(items) == 0 {
		return State{}, ErrNotFound
	}
	it := items[0]
	st := State{
		Running:   it.State.Running,
		ExitCode:  it.State.ExitCode,
		Status:    it.State.Status,
		HostPorts: map[int]int{},
	}
	for key, bindings := range it.NetworkSettings.Ports {
		cport, err := strconv.Atoi(strings.TrimSuffix(key, "/tcp"))
		if err != nil {
			continue
		}
		for _, b := range bindings {
			if hp, err := strconv.Atoi(b.HostPort); err == nil && hp > 0 {
				st.HostPorts[cport] = hp
				break
			}
		}
	}
	return st, nil
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	_, stderr, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return fmt.Errorf("stop %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("docker stop %s: %w: %s", id, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	_, stderr, err := d.run(ctx, "rm", "-f", "-v", id)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return fmt.Errorf("remove %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("docker rm %s: %w: %s", id, err, strings.TrimSpace(stderr))
	}
	return nil
}

// CopyFrom returns the contents of a single file. docker cp streams a tar
// archive to stdout when the destination is "-".
func (d *Docker) CopyFrom(ctx context.Context, id, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.Binary, "cp", id+":"+path, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if isNoSuchContainer(msg) || strings.Contains(msg, "Could not find the file") || strings.Contains(msg, "No such file") {
			return nil, fmt.Errorf("copy %s:%s: %w", id, path, ErrNotFound)
		}
		return nil, fmt.Errorf("docker cp %s:%s: %w: %s", id, path, err, strings.TrimSpace(msg))
	}
	return firstFile(&stdout)
}

func firstFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// CopyTo writes data to path inside the container, creating missing parent
// directories. The archive is streamed to docker cp on stdin.
func (d *Docker) CopyTo(ctx context.Context, id, path string, data []byte) error {
	archive, err := fileArchive(path, data)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, d.Binary, "cp", "-", id+":/")
	var stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(archive)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if isNoSuchContainer(msg) {
			return fmt.Errorf("copy to %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("docker cp - %s:%s: %w: %s", id, path, err, strings.TrimSpace(msg))
	}
	return nil
}

// CopyTreeFrom returns every regular file under dir keyed by its path
// relative to dir.
func (d *Docker) CopyTreeFrom(ctx context.Context, id, dir string) (map[string][]byte, error) {
	cmd := exec.CommandContext(ctx, d.Binary, "cp", id+":"+dir, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if isNoSuchContainer(msg) || strings.Contains(msg, "Could not find the file") || strings.Contains(msg, "No such file") {
			return nil, fmt.Errorf("copy %s:%s: %w", id, dir, ErrNotFound)
		}
		return nil, fmt.Errorf("docker cp %s:%s: %w: %s", id, dir, err, strings.TrimSpace(msg))
	}
	return readTree(&stdout)
}

// fileArchive builds a tar rooted at / holding path and its parent
// directories.
func fileArchive(path string, data []byte) ([]byte, error) {
	clean := pathpkg.Clean("/" + path)
	if clean == "/" {
		return nil, fmt.Errorf("copy to %q: not a file path", path)
	}
	rel := strings.TrimPrefix(clean, "/")
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		hdr := &tar.Header{Name: strings.Join(parts[:i], "/") + "/", Mode: 0o755, Typeflag: tar.TypeDir, ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
	}
	if err := tw.WriteHeader(&tar.Header{Name: rel, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg, ModTime: now}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readTree unpacks a docker cp archive of a directory. Entries are named
// after the directory itself, so the first path element is dropped.
func readTree(r io.Reader) (map[string][]byte, error) {
	tr := tar.NewReader(r)
	files := map[string][]byte{}
	total := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		_, rel, ok := strings.Cut(strings.TrimPrefix(hdr.Name, "./"), "/")
		if !ok || rel == "" || pathpkg.Clean(rel) != rel || strings.HasPrefix(rel, "../") {
			continue
		}
		total += int(hdr.Size)
		if total > maxTreeBytes {
			return nil, fmt.Errorf("reading archive: directory exceeds %d bytes", maxTreeBytes)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		files[rel] = data
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	return files, nil
}

type psJSON struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]Summary, error) {
	stdout, stderr, err := d.run(ctx, listArgs(labels)...)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w: %s", err, strings.TrimSpace(stderr))
	}
	return parsePS(stdout)
}

func parsePS(out string) ([]Summary, error) {
	var list []Summary
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), maxOutputBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row psJSON
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("decoding ps output: %w", err)
		}
		s := Summary{ID: row.ID, Name: row.Names, State: row.State, Labels: parseLabels(row.Labels)}
		if ts, err := strconv.ParseInt(s.Labels[LabelCreated], 10, 64); err == nil {
			s.CreatedAt = time.Unix(ts, 0)
		}
		list = append(list, s)
	}
	return list, sc.Err()
}

func parseLabels(s string) map[string]string {
	m := map[string]string{}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// Version reports the server version; used as a liveness check.
func (d *Docker) Version(ctx context.Context) (string, error) {
	stdout, stderr, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("docker version: %w: %s", err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (d *Docker) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func createArgs(opts CreateOpts, bindAddr string) []string {
	args := []string{"run", "-d"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	if opts.Port > 0 {
		args = append(args, "-p", publishSpec(bindAddr, opts.HostPort, opts.Port))
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	args = append(args, opts.Image)
	return append(args, opts.Cmd...)
}

func publishSpec(bindAddr string, hostPort, port int) string {
	host := ""
	if hostPort > 0 {
		host = strconv.Itoa(hostPort)
	}
	switch {
	case bindAddr != "":
		return fmt.Sprintf("%s:%s:%d", bindAddr, host, port)
	case host != "":
		return fmt.Sprintf("%s:%d", host, port)
	default:
		return strconv.Itoa(port)
	}
}

func execArgs(id string, opts ExecOpts) []string {
	args := []string{"exec"}
	if opts.Detach {
		args = append(args, "-d")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, id)
	return append(args, opts.Argv...)
}

func listArgs(labels map[string]string) []string {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{json .}}"}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	return args
}

func classifyCreate(name, stdout, stderr string, err error) error {
	op := "docker run " + name
	switch {
	case strings.Contains(stderr, "port is already allocated"), strings.Contains(stderr, "address already in use"):
		return fault.New(fault.PortInUse, op, "host port already in use").WithOutput(stdout, stderr)
	case strings.Contains(stderr, "Conflict. The container name"), strings.Contains(stderr, "is already in use by container"):
		return fault.New(fault.NameConflict, op, "container name already in use").WithOutput(stdout, stderr)
	default:
		e := fault.Wrap(fault.Provision, op, err)
		return e.WithOutput(stdout, stderr)
	}
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "No such object")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n... (output truncated at 1MiB)"
	}
	return c.buf.String()
}
