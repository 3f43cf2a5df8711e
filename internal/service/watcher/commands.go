package watcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// outputCap bounds captured hook and build output.
const outputCap = 64 << 10

// cappedBuffer keeps the first outputCap bytes written to it.
type cappedBuffer struct {
	buf     bytes.Buffer
	dropped int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := outputCap - c.buf.Len()
	if room <= 0 {
		c.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += len(p) - room
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.dropped == 0 {
		return c.buf.String()
	}
	return c.buf.String() + fmt.Sprintf("... (%d bytes truncated)", c.dropped)
}

// shell runs command with sh -c inside the deployment directory.
func (w *Watcher) shell(ctx context.Context, r *run, stage, command string, env map[string]string) (string, error) {
	if w.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.BuildTimeout)
		defer cancel()
	}
	log := w.logger.With("deployment_id", r.id, "stage", stage)
	log.Info("running command", "command", command)

	var out cappedBuffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.dir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()
	if output != "" {
		log.Debug("command output", "output", output)
	}
	if err != nil {
		return output, fmt.Errorf("%s command %q failed: %w: %s", stage, command, err, tail(output, 2048))
	}
	return output, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
