package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
)

// buildArgs assembles the child CLI invocation. Fragment order matters for
// the CLI's parser: permission flag, protocol flags, optional resume, then
// the prompt after the terminator.
func (s *Supervisor) buildArgs(skipPermissions bool, maxTurns int, model, resumeSessionID, prompt string) []string {
	var args []string
	if skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
		"--model", model,
	)
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, "--print", "--", prompt)
	return args
}

// spawn launches the child detached in its own process group and wires the
// stream readers and exit waiter. Caller must hold the lifecycle lock or be
// the creation path (where the agent is not yet visible to message/destroy).
func (s *Supervisor) spawn(p *agentProcess, prompt string, maxTurns int, resumeSessionID string) error {
	p.mu.Lock()
	agent := p.agent.Clone()
	p.mu.Unlock()

	args := s.buildArgs(agent.DangerouslySkipPermissions, maxTurns, agent.Model, resumeSessionID, prompt)
	cmd := exec.Command(s.cfg.BinPath, args...)
	cmd.Dir = agent.WorkspaceDir
	cmd.Env = s.prov.BuildEnv(agent.ID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// stdin stays nil so the child reads EOF instead of blocking.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.BinPath, err)
	}

	exitCh := make(chan struct{})

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.cmd = cmd
	p.pgid = cmd.Process.Pid
	p.agent.LastPID = cmd.Process.Pid
	p.exited = false
	p.exitCode = nil
	p.exitCh = exitCh
	p.detached = false
	p.lineBuffer.Reset()
	p.pausedRead = false
	p.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(p, stdout, gen)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(p, stderr, gen)
	}()
	go s.waitForExit(p, cmd, gen, exitCh, &readers)

	s.logger.Debug("child spawned",
		zap.String("agent_id", agent.ID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", resumeSessionID != ""))
	return nil
}

// readStdout appends raw chunks to the line buffer and schedules the batch
// processor. No parsing or I/O happens here; when the buffer exceeds the
// backpressure limit the reader blocks until the processor drains it.
func (s *Supervisor) readStdout(p *agentProcess, r io.Reader, gen int) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			if p.gen == gen && !p.detached {
				p.lineBuffer.Write(buf[:n])
				s.scheduleBatchLocked(p)
				for p.lineBuffer.Len() > lineBufferPauseBytes && p.gen == gen && !p.detached {
					p.pausedRead = true
					p.cond.Wait()
				}
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// readStderr turns child stderr lines into stderr events, discarding known
// startup noise.
func (s *Supervisor) readStderr(p *agentProcess, r io.Reader, gen int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || stream.IsStderrNoise(line) {
			continue
		}
		p.mu.Lock()
		attached := p.gen == gen && !p.detached
		p.mu.Unlock()
		if !attached {
			return
		}
		s.handleEvent(p, stream.NewStderr(line))
	}
}

// waitForExit reaps the child and, unless the handlers were detached by a
// lifecycle transition, finalizes the turn.
func (s *Supervisor) waitForExit(p *agentProcess, cmd *exec.Cmd, gen int, exitCh chan struct{}, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	close(exitCh)

	code := 0
	if err != nil {
		code = cmd.ProcessState.ExitCode()
		if code == 0 {
			code = 1
		}
	}

	p.mu.Lock()
	if p.gen != gen || p.detached {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = &code
	p.mu.Unlock()

	s.finalizeExit(p, code)
}

// finalizeExit flushes the tail of the stream, emits the synthetic done
// event, transitions the status and notifies idle listeners on success.
func (s *Supervisor) finalizeExit(p *agentProcess, code int) {
	s.drainLineBuffer(p)

	p.mu.Lock()
	rest := p.lineBuffer.String()
	p.lineBuffer.Reset()
	p.agent.LastPID = 0
	id := p.agent.ID
	p.mu.Unlock()
	if rest != "" {
		s.handleEvent(p, stream.Event{Type: stream.TypeRaw, Text: rest, Timestamp: time.Now().UTC()})
	}

	s.handleEvent(p, stream.NewDone(code))

	// Listeners must observe the final events before the status transition.
	s.flushEventBatch(p)
	s.store.FlushEvents(id)

	if code == 0 {
		s.setStatus(p, models.StatusIdle)
		s.logger.Info("agent turn completed", zap.String("agent_id", id))
		s.notifyIdle(id)
	} else {
		s.setStatus(p, models.StatusError)
		s.logger.Warn("agent process failed",
			zap.String("agent_id", id), zap.Int("exit_code", code))
	}
}

// drainLineBuffer waits for the in-flight batch processor to finish so exit
// finalization observes every complete line.
func (s *Supervisor) drainLineBuffer(p *agentProcess) {
	for {
		p.mu.Lock()
		busy := p.processing
		p.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
