package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"skiff/cli/api"
	"skiff/cli/style"
)

// --- Messages ---

type wsMsg struct {
	Type    string          `json:"type"`
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload"`
}

type eventPayload struct {
	Phase   string `json:"phase"`
	Step    string `json:"step"`
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type runStarted struct {
	id string
	ch chan tea.Msg
}
type phaseUpdate struct{ phase string }
type stepUpdate struct {
	step   string
	status string
	err    string
}
type runFinished struct {
	failed  bool
	message string
}
type wsError struct{ err error }

// --- Model ---

type watchModel struct {
	title     string
	spinner   spinner.Model
	steps     []stepState
	phase     string
	status    string // connecting | running | completed | failed | cancelled
	runID     string
	errMsg    string
	failed    bool
	startTime time.Time
	eventCh   chan tea.Msg
	start     func() (string, error)
}

type stepState struct {
	name   string
	status string // pending | running | complete | failed
	err    string
}

func newWatchModel(title string, steps []string, start func() (string, error)) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	states := make([]stepState, 0, len(steps))
	for _, name := range steps {
		states = append(states, stepState{name: name, status: "pending"})
	}
	return watchModel{
		title:     title,
		spinner:   s,
		steps:     states,
		status:    "connecting",
		startTime: time.Now(),
		start:     start,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connectAndStart(m.start))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			if m.runID != "" && m.status == "running" {
				// The server still tears the environment down.
				client.CancelRun(m.runID)
				m.status = "cancelled"
				m.failed = true
			}
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case runStarted:
		m.status = "running"
		m.runID = msg.id
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case phaseUpdate:
		m.phase = msg.phase
		return m, waitForEvent(m.eventCh)

	case stepUpdate:
		m.setStep(msg)
		return m, waitForEvent(m.eventCh)

	case runFinished:
		m.failed = msg.failed
		m.errMsg = msg.message
		m.status = "completed"
		if msg.failed {
			m.status = "failed"
		}
		return m, tea.Quit

	case wsError:
		m.status = "failed"
		m.errMsg = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *watchModel) setStep(u stepUpdate) {
	for i := range m.steps {
		// A retried step reuses its name; the last pending or running entry wins.
		if m.steps[i].name == u.step && m.steps[i].status != "complete" {
			m.steps[i].status = u.status
			m.steps[i].err = u.err
			return
		}
	}
	m.steps = append(m.steps, stepState{name: u.step, status: u.status, err: u.err})
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("⛵ SKIFF RUN"))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Workflow"))
	b.WriteString(style.Bold.Render(m.title))
	b.WriteString("\n")
	if m.runID != "" {
		b.WriteString(style.Key.Render("Run"))
		b.WriteString(lipgloss.NewStyle().Foreground(style.Cyan).Render(m.runID))
		b.WriteString("\n")
	}
	if m.phase != "" {
		b.WriteString(style.Key.Render("Phase"))
		b.WriteString(style.Val.Render(m.phase))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, step := range m.steps {
		name := padRight(step.name, 20)
		switch step.status {
		case "pending":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.DimText.Render(name), style.DimText.Render("waiting")))
		case "running":
			b.WriteString(fmt.Sprintf("  %s %s %s\n", style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("running")))
		case "complete":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepDone.Render(name), style.StepDone.Render("✓ done")))
		case "failed":
			b.WriteString(fmt.Sprintf("  %s %s\n", style.StepFailed.Render(name), style.StepFailed.Render("✗ failed")))
		}
	}
	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)
	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Connecting to API..."))
	case "running":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" Running... (%s)  q to cancel", elapsed)))
	case "completed":
		b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ Run completed in %s", elapsed)))
	case "cancelled":
		b.WriteString(style.ErrorBox.Render("✗ Run cancelled; the environment is being removed"))
	case "failed":
		msg := "Run failed"
		if m.errMsg != "" {
			msg = "Run failed: " + firstLine(m.errMsg)
		}
		b.WriteString(style.ErrorBox.Render("✗ " + msg))
	}
	b.WriteString("\n")
	return b.String()
}

// --- Commands ---

// connectAndStart connects to the WebSocket first so no event is missed,
// starts the run, then forwards that run's events to a channel.
func connectAndStart(start func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), nil)
		if err != nil {
			return wsError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		runID, err := start()
		if err != nil {
			conn.Close()
			return wsError{err: err}
		}

		ch := make(chan tea.Msg, 32)
		go func() {
			defer conn.Close()
			defer close(ch)

			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					ch <- wsError{err: fmt.Errorf("websocket read: %w", err)}
					return
				}
				var event wsMsg
				if err := json.Unmarshal(message, &event); err != nil || event.RunID != runID {
					continue
				}
				var p eventPayload
				json.Unmarshal(event.Payload, &p)

				switch event.Type {
				case "run.phase":
					ch <- phaseUpdate{phase: p.Phase}
				case "run.step":
					ch <- stepUpdate{step: p.Step, status: p.Status, err: p.Error}
				case "run.completed":
					ch <- runFinished{}
					return
				case "run.failed":
					ch <- runFinished{failed: true, message: p.Message}
					return
				}
			}
		}()

		return runStarted{id: runID, ch: ch}
	}
}

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return runFinished{}
		}
		return msg
	}
}

// watchRun shows live progress for a run and returns its persisted record.
func watchRun(title string, steps []string, start func() (string, error)) (*api.Run, error) {
	p := tea.NewProgram(newWatchModel(title, steps, start))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	wm := final.(watchModel)
	if wm.runID == "" {
		if wm.errMsg == "" {
			return nil, fmt.Errorf("run not started")
		}
		return nil, fmt.Errorf("%s", wm.errMsg)
	}
	return waitRun(wm.runID, 30*time.Second)
}

// waitRun polls until the run record is final.
func waitRun(id string, timeout time.Duration) (*api.Run, error) {
	deadline := time.Now().Add(timeout)
	for {
		run, err := client.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run.Finished() || (timeout > 0 && time.Now().After(deadline)) {
			return run, nil
		}
		time.Sleep(time.Second)
	}
}

func printRun(run *api.Run) {
	var b strings.Builder
	kvLine := func(k, v string) {
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}

	b.WriteString(style.Bold.Render(run.Workflow))
	b.WriteString("  ")
	b.WriteString(statusLabel(run.Status))
	b.WriteString("\n\n")
	kvLine("Run", run.ID)
	kvLine("Started", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		kvLine("Duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String())
	}
	if run.FailedStep != "" {
		kvLine("Failed step", run.FailedStep)
	}
	if run.Message != "" {
		kvLine("Message", firstLine(run.Message))
	}

	if len(run.Steps) > 0 {
		b.WriteString("\n")
		b.WriteString(style.TableHeader.Render("  Steps"))
		b.WriteString("\n")
		for _, s := range run.Steps {
			st := style.StepDone
			mark := "✓"
			if s.Error != "" {
				st, mark = style.StepFailed, "✗"
			}
			extra := ""
			if s.Attempts > 1 {
				extra = fmt.Sprintf("  (%d attempts)", s.Attempts)
			}
			b.WriteString(fmt.Sprintf("  %s %s %s%s\n", st.Render(mark), padRight(s.Name, 20),
				style.DimText.Render(fmt.Sprintf("exit %d  %dms", s.ExitCode, s.DurationMs)), style.DimText.Render(extra)))
		}
	}
	if len(run.Artifacts) > 0 {
		b.WriteString("\n")
		b.WriteString(style.TableHeader.Render("  Artifacts"))
		b.WriteString("\n")
		for _, a := range run.Artifacts {
			b.WriteString(fmt.Sprintf("  %s %s\n", padRight(a.Name, 24), style.DimText.Render(fmt.Sprintf("%d bytes", a.Size))))
		}
	}
	for _, w := range run.Warnings {
		b.WriteString("\n" + style.Warning.Render("! "+w))
	}

	card := style.CardHealthy
	if run.Status != "success" {
		card = style.CardUnhealthy
	}
	fmt.Println(card.Render(strings.TrimRight(b.String(), "\n")))
}

// saveArtifacts downloads every archived artifact of run into dir.
func saveArtifacts(run *api.Run, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, a := range run.Artifacts {
		data, err := client.Artifact(run.ID, a.Name)
		if err != nil {
			return fmt.Errorf("artifact %s: %w", a.Name, err)
		}
		rel := filepath.FromSlash(a.Name)
		if !filepath.IsLocal(rel) {
			rel = filepath.Base(rel)
		}
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Println(style.DimText.Render("  saved " + path))
	}
	return nil
}

func statusLabel(status string) string {
	return style.RunStatus(status).Render("● " + status)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
