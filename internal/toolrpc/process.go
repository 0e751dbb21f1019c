package toolrpc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// process is a running tool server child.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func startProcess(d ServerDescriptor, log zerolog.Logger) (*process, io.WriteCloser, io.Reader, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = append(os.Environ(), envList(d.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug().Str("stream", "stderr").Msg(sc.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Msg("tool server exited")
		close(p.exited)
	}()
	return p, stdin, stdout, nil
}

// stop asks the child to exit and kills it after grace.
func (p *process) stop(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
	case <-t.C:
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
