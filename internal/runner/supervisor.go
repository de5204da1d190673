// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/envmgr"
	"github.com/ManuGH/debugd/internal/log"
	"github.com/ManuGH/debugd/internal/logstream"
	"github.com/ManuGH/debugd/internal/metrics"
	"github.com/ManuGH/debugd/internal/procgroup"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/telemetry"
)

// killGrace is the SIGTERM-to-SIGKILL window on timeout or cancel.
const killGrace = 3 * time.Second

// Supervisor drives single commands through their full lifecycle: log
// stream, spawn, pump, wait, record.
type Supervisor struct {
	store          *store.Store
	logsRoot       string
	logBus         *broker.Broker[broker.LogEvent]
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// NewSupervisor wires the supervisor. defaultTimeout of zero means commands
// run unbounded unless their spec says otherwise.
func NewSupervisor(st *store.Store, logsRoot string, logBus *broker.Broker[broker.LogEvent], defaultTimeout time.Duration) *Supervisor {
	return &Supervisor{
		store:          st,
		logsRoot:       logsRoot,
		logBus:         logBus,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("runner"),
	}
}

// Execute runs one already-recorded command inside workdir. The command row
// must be pending. env may be nil for sessions without a managed
// environment. Every terminal path records exactly one log artifact.
func (s *Supervisor) Execute(ctx context.Context, sessionID string, cmd store.Command, spec CommandSpec, workdir string, env *envmgr.Handle) (store.Command, error) {
	ctx, span := telemetry.Tracer("runner").Start(ctx, "command.execute")
	span.SetAttributes(telemetry.SessionAttributes(sessionID, "", "")...)
	span.SetAttributes(telemetry.CommandAttributes(cmd.ID, cmd.Sequence, string(cmd.Status))...)
	defer span.End()

	logPath := filepath.Join(s.logsRoot, sessionID, fmt.Sprintf("%s-%d.log", logName(spec.Argv), cmd.ID))
	stream, err := logstream.New(logPath)
	if err != nil {
		return store.Command{}, err
	}

	// Bus fan-out rides a stream follower so every published chunk has hit
	// the persisted log first. Close ends the follower; the drain completes
	// before Execute returns.
	var forwarded chan struct{}
	if s.logBus != nil {
		follower := stream.Follow(1024)
		forwarded = make(chan struct{})
		go func() {
			defer close(forwarded)
			for chunk := range follower.C {
				s.logBus.Publish(sessionID, broker.LogEvent{
					Stream:    chunk.Stream,
					Text:      chunk.Text,
					Timestamp: chunk.Timestamp,
				})
			}
		}()
	}
	defer func() {
		_ = stream.Close()
		if forwarded != nil {
			<-forwarded
		}
	}()

	if err := s.store.MarkCommandRunning(ctx, cmd.ID); err != nil {
		return store.Command{}, err
	}

	cwd := workdir
	if spec.Cwd != "" {
		if filepath.IsAbs(spec.Cwd) {
			cwd = spec.Cwd
		} else {
			cwd = filepath.Join(workdir, spec.Cwd)
		}
	}

	proc := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	proc.Dir = cwd
	proc.Env = buildEnv(spec.Env, env)
	procgroup.Set(proc)

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return s.recordSpawnFailure(ctx, sessionID, cmd, stream, err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return s.recordSpawnFailure(ctx, sessionID, cmd, stream, err)
	}

	start := time.Now()
	if err := proc.Start(); err != nil {
		return s.recordSpawnFailure(ctx, sessionID, cmd, stream, err)
	}

	s.logger.Info().
		Str("event", "command.started").
		Str("session_id", sessionID).
		Int64("command_id", cmd.ID).
		Str("command", spec.String()).
		Int("pid", proc.Process.Pid).
		Msg("command spawned")

	// One pump per pipe; each line is one chunk with its stream label.
	var pumps errgroup.Group
	pumps.Go(func() error { return s.pump(stream, logstream.StreamStdout, stdout) })
	pumps.Go(func() error { return s.pump(stream, logstream.StreamStderr, stderr) })

	waitCh := make(chan error, 1)
	go func() {
		pumpErr := pumps.Wait()
		waitErr := proc.Wait()
		if waitErr == nil {
			waitErr = pumpErr
		}
		waitCh <- waitErr
	}()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	var (
		waitErr  error
		timedOut bool
	)
	if timeout > 0 {
		select {
		case waitErr = <-waitCh:
		case <-time.After(timeout):
			timedOut = true
			s.emit(stream, logstream.StreamStderr,
				fmt.Sprintf("command timed out after %s, killing process group\n", timeout))
			waitErr = procgroup.Terminate(proc, waitCh, killGrace)
		case <-ctx.Done():
			timedOut = true
			s.emit(stream, logstream.StreamStderr, "command cancelled\n")
			waitErr = procgroup.Terminate(proc, waitCh, killGrace)
		}
	} else {
		select {
		case waitErr = <-waitCh:
		case <-ctx.Done():
			timedOut = true
			s.emit(stream, logstream.StreamStderr, "command cancelled\n")
			waitErr = procgroup.Terminate(proc, waitCh, killGrace)
		}
	}

	duration := time.Since(start)
	result := store.CommandResult{LogPath: logPath}
	switch {
	case timedOut:
		result.Status = store.CommandCancelled
	default:
		code := exitCode(proc, waitErr)
		result.ExitCode = &code
		if code == 0 {
			result.Status = store.CommandSucceeded
		} else {
			result.Status = store.CommandFailed
		}
	}

	if err := s.store.RecordCommandResult(ctx, cmd.ID, result); err != nil {
		return store.Command{}, err
	}
	if err := s.recordLogArtifact(ctx, sessionID, cmd.ID, logPath); err != nil {
		return store.Command{}, err
	}

	metrics.CommandsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.CommandDuration.Observe(duration.Seconds())
	s.logger.Info().
		Str("event", "command.finished").
		Str("session_id", sessionID).
		Int64("command_id", cmd.ID).
		Str("status", string(result.Status)).
		Dur("duration", duration).
		Msg("command finished")

	return s.store.GetCommand(ctx, cmd.ID)
}

// pump copies one pipe line by line into the stream; followers fan the
// chunks out from there.
func (s *Supervisor) pump(stream *logstream.Stream, label string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.emit(stream, label, scanner.Text()+"\n")
	}
	// Pipe close errors after process exit are expected.
	return nil
}

func (s *Supervisor) emit(stream *logstream.Stream, label, text string) {
	_, _ = stream.Write(label, text)
}

// recordSpawnFailure writes the failure to the log, records the command as
// failed with no exit code, and returns *ExecutionError.
func (s *Supervisor) recordSpawnFailure(ctx context.Context, sessionID string, cmd store.Command, stream *logstream.Stream, cause error) (store.Command, error) {
	s.emit(stream, logstream.StreamStderr, fmt.Sprintf("failed to start command: %v\n", cause))
	if err := s.store.RecordCommandResult(ctx, cmd.ID, store.CommandResult{
		Status:  store.CommandFailed,
		LogPath: stream.Path(),
	}); err != nil {
		return store.Command{}, err
	}
	if err := s.recordLogArtifact(ctx, sessionID, cmd.ID, stream.Path()); err != nil {
		return store.Command{}, err
	}
	metrics.CommandsTotal.WithLabelValues(string(store.CommandFailed)).Inc()
	return store.Command{}, &ExecutionError{CommandID: cmd.ID, Cause: cause}
}

func (s *Supervisor) recordLogArtifact(ctx context.Context, sessionID string, commandID int64, logPath string) error {
	var size *int64
	if info, err := os.Stat(logPath); err == nil {
		n := info.Size()
		size = &n
	}
	_, err := s.store.RecordArtifact(ctx, store.ArtifactParams{
		SessionID:   sessionID,
		CommandID:   &commandID,
		Kind:        store.ArtifactLog,
		Path:        logPath,
		ContentType: "text/plain; charset=utf-8",
		SizeBytes:   size,
	})
	return err
}

// buildEnv layers the process environment: host env, then environment
// manager injection, then the spec's explicit entries. PYTHONUNBUFFERED is
// forced on and PYTHONHOME cleared so interpreter output streams cleanly
// from the managed environment.
func buildEnv(specEnv map[string]string, env *envmgr.Handle) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	delete(merged, "PYTHONHOME")
	merged["PYTHONUNBUFFERED"] = "1"
	if env != nil {
		merged["VIRTUAL_ENV"] = env.Path
		merged["PATH"] = env.BinPath + string(os.PathListSeparator) + merged["PATH"]
	}
	for k, v := range specEnv {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

var logNameSafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// logName derives a stable, filesystem-safe prefix from argv[0].
func logName(argv []string) string {
	base := filepath.Base(argv[0])
	safe := logNameSafe.ReplaceAllString(base, "_")
	if safe == "" {
		safe = "command"
	}
	return safe
}

func exitCode(proc *exec.Cmd, waitErr error) int {
	if proc.ProcessState != nil {
		return proc.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			return ee.ExitCode()
		}
		return -1
	}
	return 0
}
