// Package executor runs the report generator as a subprocess and scrapes
// the produced document link from its output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"reportbot/internal/command"
	logx "reportbot/pkg/logx"
)

const defaultTimeout = 10 * time.Minute

type Config struct {
	// Command is the base invocation, e.g. ["python3", "run.py"].
	Command []string
	// Dir is the working directory for the subprocess.
	Dir string
	// Timeout bounds a single run. 0 means the default.
	Timeout time.Duration
}

// Result is the outcome of one generator run.
type Result struct {
	OK bool
	// ArtifactURL is the produced document link, when one was found in the
	// generator's output. A successful run without a link is still OK.
	ArtifactURL string
	// Reason is a user-facing (Portuguese) failure explanation.
	Reason string
	// Err is the underlying failure for logs.
	Err error
	// Took is the wall-clock duration of the run.
	Took time.Duration
}

type Executor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Executor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("executor: command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, log: log}, nil
}

// Run generates a report for channelID. Cancelling ctx kills the subprocess.
func (e *Executor) Run(ctx context.Context, channelID string, p command.ReportParams) Result {
	args := buildArgs(e.cfg.Command[1:], channelID, p)

	rctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, e.cfg.Command[0], args...)
	cmd.Dir = e.cfg.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	if err != nil {
		reason := classifyFailure(rctx, err, stderr.String())
		e.log.Warn("report generator failed",
			logx.String("channel_id", channelID),
			logx.Duration("took", took),
			logx.String("stderr", truncateTail(stderr.String(), 800)),
			logx.Err(err),
		)
		return Result{Reason: reason, Err: err, Took: took}
	}

	url := extractArtifactURL(stdout.String())
	e.log.Info("report generated",
		logx.String("channel_id", channelID),
		logx.Duration("took", took),
		logx.Bool("artifact_found", url != ""),
	)
	return Result{OK: true, ArtifactURL: url, Took: took}
}

func buildArgs(base []string, channelID string, p command.ReportParams) []string {
	args := append(append([]string(nil), base...), "--channel", channelID, "--quiet")
	if p.HideDashboard {
		args = append(args, "--hide-dashboard")
	}
	if p.Days > 0 {
		args = append(args, "--schedule-days", strconv.Itoa(p.Days))
	}
	if !p.Since.IsZero() {
		args = append(args, "--since", command.FormatDate(p.Since))
	}
	if !p.Reference.IsZero() {
		args = append(args, "--reference-date", command.FormatDate(p.Reference))
	}
	return args
}

// extractArtifactURL scans generator output for the produced document link.
func extractArtifactURL(out string) string {
	for _, line := range strings.Split(out, "\n") {
		for _, tok := range strings.Fields(line) {
			if strings.Contains(tok, "docs.google.com/document") ||
				strings.Contains(tok, "drive.google.com/file") {
				return strings.Trim(tok, `"'<>().,;`)
			}
		}
	}
	return ""
}

func truncateTail(s string, maxN int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxN {
		return s
	}
	return "..." + s[len(s)-maxN:]
}
