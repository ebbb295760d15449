package spawner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalProcess launches backends as child processes of the hub. Each server
// gets the next free port from a configured range; readiness is a 200 from
// the backend's health endpoint under its prefix.
type LocalProcess struct {
	command   string
	portStart int
	logger    zerolog.Logger

	mu    sync.Mutex
	procs map[string]*localProc
	port  int
}

// localProc tracks one child. exitCode is written by the reaper before done
// closes and read only after; cmd.ProcessState itself is never touched
// while Wait is in flight.
type localProc struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func NewLocalProcess(command string, portStart int, logger zerolog.Logger) *LocalProcess {
	return &LocalProcess{
		command:   command,
		portStart: portStart,
		logger:    logger.With().Str("component", "spawner").Logger(),
		procs:     make(map[string]*localProc),
		port:      portStart,
	}
}

func procKey(user, serverName string) string {
	return user + "/" + serverName
}

func (s *LocalProcess) nextPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		port := s.port
		s.port++
		if s.port > s.portStart+10000 {
			s.port = s.portStart
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port
	}
}

func (s *LocalProcess) Start(ctx context.Context, params StartParams) (string, error) {
	key := procKey(params.User, params.ServerName)
	port := s.nextPort()
	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(s.command,
		"--port", fmt.Sprintf("%d", port),
		"--prefix", params.Prefix,
	)
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s for %s: %w", s.command, key, err)
	}

	proc := &localProc{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	s.mu.Lock()
	s.procs[key] = proc
	s.mu.Unlock()

	// Reap in the background so the child never zombies.
	go func() {
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			proc.exitCode = cmd.ProcessState.ExitCode()
		}
		close(proc.done)
		s.logger.Debug().Str("server", key).AnErr("exit", err).Msg("backend process exited")
	}()

	if err := s.waitReady(ctx, endpoint+params.Prefix+"api/status"); err != nil {
		_ = s.Stop(context.Background(), params.User, params.ServerName)
		return "", err
	}

	s.logger.Info().Str("server", key).Str("endpoint", endpoint).Msg("backend ready")
	return endpoint, nil
}

func (s *LocalProcess) waitReady(ctx context.Context, healthURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend did not become ready: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
	}
}

func (s *LocalProcess) Stop(ctx context.Context, user, serverName string) error {
	key := procKey(user, serverName)

	s.mu.Lock()
	proc, ok := s.procs[key]
	delete(s.procs, key)
	s.mu.Unlock()

	if !ok || proc.cmd.Process == nil {
		return nil
	}

	if err := proc.cmd.Process.Signal(os.Interrupt); err != nil {
		// Already gone is fine; anything else gets the hard kill.
		if err := proc.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
			return fmt.Errorf("kill backend %s: %w", key, err)
		}
	}
	return nil
}

func isProcessDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

func (s *LocalProcess) Poll(ctx context.Context, user, serverName string) (Status, error) {
	s.mu.Lock()
	proc, ok := s.procs[procKey(user, serverName)]
	s.mu.Unlock()

	if !ok {
		return Status{Running: false}, nil
	}
	select {
	case <-proc.done:
		code := proc.exitCode
		return Status{Running: false, ExitCode: &code}, nil
	default:
		return Status{Running: true}, nil
	}
}
