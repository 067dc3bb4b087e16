package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/protocol"
)

// Models is the cycle order for cycle_model. Aliases resolve server-side
// in the Anthropic API.
var Models = []string{"haiku", "sonnet", "opus"}

// maxTokensForLevel maps a thinking level to the response token budget.
var maxTokensForLevel = map[string]int{
	"off":     1024,
	"minimal": 2048,
	"low":     4096,
	"medium":  8192,
	"high":    16384,
}

// compactAfterChars is the transcript size at which auto-compaction kicks
// in after a prompt completes.
const compactAfterChars = 200_000

const compactSystemPrompt = "You are a concise technical summarizer. Summarize the " +
	"conversation so far in a few paragraphs, preserving decisions, open questions, " +
	"file paths, and any constraints the user stated. The summary replaces the " +
	"transcript, so keep everything needed to continue the conversation."

// ModelClient is the minimal surface of the Anthropic Messages API the
// session needs. Tests substitute a fake.
type ModelClient interface {
	Complete(ctx context.Context, model, system string, msgs []Message, maxTokens int) (string, error)
}

// ClaudeSession is the production Session implementation: an in-memory
// transcript driven through the Anthropic Messages API, with shell
// execution, compaction, and transcript files in the working directory.
type ClaudeSession struct {
	id         string
	workingDir string
	client     ModelClient
	shell      ShellRunner
	log        zerolog.Logger

	mu             sync.Mutex
	name           string
	model          string
	thinkingLevel  string
	autoCompaction bool
	autoRetry      bool
	messages       []Message
	createdAt      time.Time
	promptCount    int
	shellCount     int

	genCancel     context.CancelFunc
	shellCancel   context.CancelFunc
	compactCancel context.CancelFunc
	retryCancel   context.CancelFunc

	subs    map[int]func(Event)
	nextSub int

	closed bool
}

// NewClaudeSession creates a session rooted at workingDir. The model may
// be "" to take the first entry of Models.
func NewClaudeSession(id, workingDir, model string, client ModelClient, shell ShellRunner, log zerolog.Logger) *ClaudeSession {
	if model == "" {
		model = Models[0]
	}
	if shell == nil {
		shell = &ExecShellRunner{}
	}
	return &ClaudeSession{
		id:             id,
		workingDir:     workingDir,
		client:         client,
		shell:          shell,
		log:            log,
		model:          model,
		thinkingLevel:  "off",
		autoCompaction: true,
		createdAt:      time.Now().UTC(),
		subs:           make(map[int]func(Event)),
	}
}

// ID implements Session.
func (s *ClaudeSession) ID() string { return s.id }

// Provider implements Session.
func (s *ClaudeSession) Provider() string { return "anthropic" }

// Subscribe implements Session.
func (s *ClaudeSession) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// emit delivers an event to every subscriber callback.
func (s *ClaudeSession) emit(evtType string, data map[string]any) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	evt := Event{Type: evtType, At: time.Now().UTC(), Data: data}
	for _, fn := range fns {
		fn(evt)
	}
}

// Dispatch implements Session.
func (s *ClaudeSession) Dispatch(ctx context.Context, cmd *protocol.Command) (any, error) {
	switch cmd.Type {
	case protocol.CmdPrompt:
		return s.prompt(ctx, cmd.Text, false)
	case protocol.CmdSteer:
		return s.prompt(ctx, cmd.Text, true)
	case protocol.CmdFollowUp:
		return s.prompt(ctx, cmd.Text, false)
	case protocol.CmdAbort:
		s.AbortGeneration()
		return map[string]any{"aborted": true}, nil
	case protocol.CmdGetState:
		return s.state(), nil
	case protocol.CmdGetMessages:
		return s.transcript(), nil
	case protocol.CmdSetModel:
		return s.setModel(cmd.Model)
	case protocol.CmdCycleModel:
		return s.cycleModel(), nil
	case protocol.CmdSetThinkingLevel:
		return s.setThinkingLevel(cmd.ThinkingLevel)
	case protocol.CmdCycleThinkingLevel:
		return s.cycleThinkingLevel(), nil
	case protocol.CmdCompact:
		return s.compact(ctx)
	case protocol.CmdAbortCompaction:
		s.AbortCompaction()
		return map[string]any{"aborted": true}, nil
	case protocol.CmdSetAutoCompaction:
		return s.setFlag(&s.autoCompaction, cmd.Enabled), nil
	case protocol.CmdSetAutoRetry:
		return s.setFlag(&s.autoRetry, cmd.Enabled), nil
	case protocol.CmdAbortRetry:
		s.abortRetry()
		return map[string]any{"aborted": true}, nil
	case protocol.CmdBash:
		return s.bash(ctx, cmd.Command)
	case protocol.CmdAbortBash:
		s.AbortShell()
		return map[string]any{"aborted": true}, nil
	case protocol.CmdGetSessionStats:
		return s.stats(), nil
	case protocol.CmdSetSessionName:
		return s.setName(cmd.Name), nil
	case protocol.CmdExportHTML:
		return s.exportHTML()
	case protocol.CmdNewSession:
		return s.newTranscript()
	case protocol.CmdSwitchSessionFile:
		return s.switchTranscript(cmd.Path)
	case protocol.CmdFork:
		return s.fork(cmd.Name)
	case protocol.CmdListModels:
		return map[string]any{"models": Models}, nil
	case protocol.CmdListThinkingLevels:
		return map[string]any{"levels": protocol.ThinkingLevels}, nil
	default:
		return nil, fmt.Errorf("session cannot handle command %q", cmd.Type)
	}
}

// prompt appends a user turn and drives the model. steer marks mid-flight
// guidance; the transcript records it the same way but the event stream
// distinguishes it.
func (s *ClaudeSession) prompt(ctx context.Context, text string, steer bool) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty prompt text")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	genCtx, cancel := context.WithCancel(ctx)
	s.genCancel = cancel
	model := s.model
	maxTokens := maxTokensForLevel[s.thinkingLevel]
	retry := s.autoRetry
	s.messages = append(s.messages, Message{Role: "user", Content: text, At: time.Now().UTC()})
	history := append([]Message(nil), s.messages...)
	s.promptCount++
	s.mu.Unlock()

	kind := "prompt"
	if steer {
		kind = "steer"
	}
	s.emit("generation_started", map[string]any{"kind": kind, "model": model})

	reply, err := s.complete(genCtx, model, history, maxTokens, retry)

	s.mu.Lock()
	s.genCancel = nil
	s.mu.Unlock()

	if err != nil {
		s.emit("generation_failed", map[string]any{"error": err.Error()})
		if genCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrAborted
		}
		return nil, err
	}

	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: "assistant", Content: reply, At: time.Now().UTC()})
	autoCompact := s.autoCompaction && transcriptChars(s.messages) > compactAfterChars
	s.mu.Unlock()

	s.emit("generation_finished", map[string]any{"chars": len(reply)})

	if autoCompact {
		if _, err := s.compact(ctx); err != nil {
			s.log.Warn().Err(err).Str("session", s.id).Msg("auto-compaction failed")
		}
	}

	return map[string]any{"reply": reply, "model": model}, nil
}

// complete runs one model call, optionally retried with exponential
// backoff when auto-retry is enabled. abort_retry cancels the retry loop
// without cancelling an in-progress call.
func (s *ClaudeSession) complete(ctx context.Context, model string, history []Message, maxTokens int, retry bool) (string, error) {
	if !retry {
		return s.client.Complete(ctx, model, "", history, maxTokens)
	}

	retryCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.retryCancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.retryCancel = nil
		s.mu.Unlock()
	}()

	var reply string
	op := func() error {
		var err error
		reply, err = s.client.Complete(ctx, model, "", history, maxTokens)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), retryCtx)
	notify := func(err error, wait time.Duration) {
		s.emit("retry_scheduled", map[string]any{"error": err.Error(), "wait": wait.String()})
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return reply, nil
}

// compact replaces the transcript with a model-written summary.
func (s *ClaudeSession) compact(ctx context.Context) (any, error) {
	s.mu.Lock()
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return map[string]any{"compacted": false, "reason": "transcript empty"}, nil
	}
	compactCtx, cancel := context.WithCancel(ctx)
	s.compactCancel = cancel
	model := s.model
	history := append([]Message(nil), s.messages...)
	before := len(history)
	s.mu.Unlock()

	s.emit("compaction_started", map[string]any{"messages": before})

	summary, err := s.client.Complete(compactCtx, model, compactSystemPrompt, history, 2048)

	s.mu.Lock()
	s.compactCancel = nil
	s.mu.Unlock()

	if err != nil {
		s.emit("compaction_failed", map[string]any{"error": err.Error()})
		if compactCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrAborted
		}
		return nil, err
	}

	s.mu.Lock()
	s.messages = []Message{{Role: "system", Content: "Conversation summary: " + summary, At: time.Now().UTC()}}
	s.mu.Unlock()

	s.emit("compaction_finished", map[string]any{"messagesBefore": before})
	return map[string]any{"compacted": true, "messagesBefore": before}, nil
}

// bash runs a shell command in the working directory, streaming output
// lines to the event stream.
func (s *ClaudeSession) bash(ctx context.Context, command string) (any, error) {
	s.mu.Lock()
	shellCtx, cancel := context.WithCancel(ctx)
	s.shellCancel = cancel
	s.shellCount++
	s.mu.Unlock()

	s.emit("shell_started", map[string]any{"command": command})
	out, exitCode, err := s.shell.Run(shellCtx, s.workingDir, command, func(line string) {
		s.emit("shell_output", map[string]any{"line": line})
	})

	s.mu.Lock()
	s.shellCancel = nil
	s.mu.Unlock()

	if err != nil {
		s.emit("shell_failed", map[string]any{"error": err.Error(), "exitCode": exitCode})
		if shellCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrAborted
		}
		return nil, err
	}
	s.emit("shell_finished", map[string]any{"exitCode": exitCode})
	return map[string]any{"output": out, "exitCode": exitCode}, nil
}

func (s *ClaudeSession) setModel(model string) (any, error) {
	valid := false
	for _, m := range Models {
		if m == model {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("unknown model %q (expected one of %s)", model, strings.Join(Models, ", "))
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	s.emit("model_changed", map[string]any{"model": model})
	return map[string]any{"model": model}, nil
}

func (s *ClaudeSession) cycleModel() any {
	s.mu.Lock()
	idx := 0
	for i, m := range Models {
		if m == s.model {
			idx = i
			break
		}
	}
	s.model = Models[(idx+1)%len(Models)]
	model := s.model
	s.mu.Unlock()
	s.emit("model_changed", map[string]any{"model": model})
	return map[string]any{"model": model}
}

func (s *ClaudeSession) setThinkingLevel(level string) (any, error) {
	if !protocol.ValidThinkingLevel(level) {
		return nil, fmt.Errorf("invalid thinking level %q", level)
	}
	s.mu.Lock()
	s.thinkingLevel = level
	s.mu.Unlock()
	return map[string]any{"thinkingLevel": level}, nil
}

func (s *ClaudeSession) cycleThinkingLevel() any {
	s.mu.Lock()
	idx := 0
	for i, l := range protocol.ThinkingLevels {
		if l == s.thinkingLevel {
			idx = i
			break
		}
	}
	s.thinkingLevel = protocol.ThinkingLevels[(idx+1)%len(protocol.ThinkingLevels)]
	level := s.thinkingLevel
	s.mu.Unlock()
	return map[string]any{"thinkingLevel": level}
}

func (s *ClaudeSession) setFlag(flag *bool, enabled *bool) any {
	s.mu.Lock()
	if enabled != nil {
		*flag = *enabled
	}
	v := *flag
	s.mu.Unlock()
	return map[string]any{"enabled": v}
}

func (s *ClaudeSession) setName(name string) any {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return map[string]any{"name": name}
}

func (s *ClaudeSession) state() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"id":             s.id,
		"name":           s.name,
		"model":          s.model,
		"thinkingLevel":  s.thinkingLevel,
		"autoCompaction": s.autoCompaction,
		"autoRetry":      s.autoRetry,
		"workingDir":     s.workingDir,
		"messageCount":   len(s.messages),
		"createdAt":      s.createdAt,
	}
}

func (s *ClaudeSession) transcript() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append([]Message(nil), s.messages...)
	return map[string]any{"messages": msgs}
}

func (s *ClaudeSession) stats() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	chars := transcriptChars(s.messages)
	return map[string]any{
		"prompts":      s.promptCount,
		"shellRuns":    s.shellCount,
		"messages":     len(s.messages),
		"chars":        chars,
		"approxTokens": chars / 4,
		"uptime":       time.Since(s.createdAt).Round(time.Second).String(),
	}
}

// transcriptPath builds the on-disk location for a named transcript.
func (s *ClaudeSession) transcriptPath(name string) string {
	return filepath.Join(s.workingDir, name+".session.json")
}

// newTranscript archives the current transcript to disk and starts fresh.
func (s *ClaudeSession) newTranscript() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := ""
	if len(s.messages) > 0 {
		name := fmt.Sprintf("archive-%s", time.Now().UTC().Format("20060102-150405"))
		if err := s.writeTranscriptLocked(s.transcriptPath(name)); err != nil {
			return nil, err
		}
		archived = name
	}
	s.messages = nil
	return map[string]any{"archived": archived}, nil
}

// switchTranscript loads a transcript file as the active history.
func (s *ClaudeSession) switchTranscript(path string) (any, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.workingDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	return map[string]any{"messages": len(msgs), "path": path}, nil
}

// fork snapshots the transcript to a named file without disturbing the
// active history.
func (s *ClaudeSession) fork(name string) (any, error) {
	if name == "" {
		name = fmt.Sprintf("fork-%s", time.Now().UTC().Format("20060102-150405"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.transcriptPath(name)
	if err := s.writeTranscriptLocked(path); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "path": path}, nil
}

// writeTranscriptLocked persists the transcript. Caller holds s.mu.
func (s *ClaudeSession) writeTranscriptLocked(path string) error {
	data, err := json.MarshalIndent(s.messages, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func (s *ClaudeSession) exportHTML() (any, error) {
	s.mu.Lock()
	msgs := append([]Message(nil), s.messages...)
	name := s.name
	s.mu.Unlock()
	html, err := RenderTranscriptHTML(s.id, name, msgs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"html": html}, nil
}

// AbortGeneration implements Session.
func (s *ClaudeSession) AbortGeneration() {
	s.mu.Lock()
	cancel := s.genCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbortShell implements Session.
func (s *ClaudeSession) AbortShell() {
	s.mu.Lock()
	cancel := s.shellCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbortCompaction implements Session.
func (s *ClaudeSession) AbortCompaction() {
	s.mu.Lock()
	cancel := s.compactCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ClaudeSession) abortRetry() {
	s.mu.Lock()
	cancel := s.retryCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close implements Session.
func (s *ClaudeSession) Close() error {
	s.AbortGeneration()
	s.AbortShell()
	s.AbortCompaction()
	s.abortRetry()
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[int]func(Event))
	s.mu.Unlock()
	return nil
}

func transcriptChars(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// NewFactory returns the production session factory.
func NewFactory(client ModelClient, log zerolog.Logger) Factory {
	return func(id, workingDir, model string) (Session, error) {
		if model != "" {
			valid := false
			for _, m := range Models {
				if m == model {
					valid = true
					break
				}
			}
			if !valid {
				return nil, fmt.Errorf("unknown model %q", model)
			}
		}
		return NewClaudeSession(id, workingDir, model, client, nil, log), nil
	}
}
