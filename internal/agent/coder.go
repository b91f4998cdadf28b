package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vessel/internal/isolation"
	"vessel/internal/logging"
)

// ErrorKind classifies a failed execution for remediation hints.
type ErrorKind string

const (
	ErrorKindImport  ErrorKind = "import"
	ErrorKindType    ErrorKind = "type"
	ErrorKindAccess  ErrorKind = "access"
	ErrorKindUnknown ErrorKind = "unknown"
)

// Coder runs code and shell commands inside the isolation runtime. It
// owns invocation mapping and error classification; execution itself is
// always deferred to the runtime.
type Coder struct {
	workerState
	runtime isolation.Runtime
	timeout time.Duration
}

// NewCoder binds a coder to a runtime.
func NewCoder(rt isolation.Runtime, timeout time.Duration) *Coder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coder{
		workerState: newWorkerState("coder"),
		runtime:     rt,
		timeout:     timeout,
	}
}

// Execute maps the task to a shell invocation, runs it, and classifies
// any failure. Task params: "language" (default bash) and "code"
// (default: the task input is the command).
func (c *Coder) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := c.begin(StatusExecuting); err != nil {
		return nil, err
	}
	start := time.Now()

	code := task.Params["code"]
	if code == "" {
		code = task.Input
	}
	language := task.Params["language"]

	command, err := Invocation(language, code)
	if err != nil {
		c.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	logging.Workers("coder: running %s task (priority=%s)", displayLanguage(language), task.Priority)
	res, err := c.runtime.Execute(ctx, command, isolation.ExecOptions{
		Timeout: c.timeout,
		Cwd:     task.Params["cwd"],
	})
	if err != nil {
		c.finish(true)
		return &Result{Success: false, Err: err.Error(), Duration: time.Since(start)}, nil
	}

	if res.ExitCode != 0 {
		kind := ClassifyError(res.Stderr + "\n" + res.Stdout)
		c.finish(false)
		return &Result{
			Success:   false,
			Output:    res.Stdout,
			Err:       strings.TrimSpace(res.Stderr),
			NextSteps: []string{remediationFor(kind, language)},
			Duration:  time.Since(start),
		}, nil
	}

	c.finish(false)
	return &Result{
		Success:  true,
		Output:   res.Stdout,
		Duration: time.Since(start),
	}, nil
}

// Invocation maps a language tag plus code to one shell command. Shell
// input passes through untouched; everything else goes through the
// language's inline-eval flag.
func Invocation(language, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("empty code")
	}
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", "bash", "sh", "shell":
		return code, nil
	case "python", "python3", "py":
		return "python3 -c " + shellQuote(code), nil
	case "javascript", "js", "node":
		return "node -e " + shellQuote(code), nil
	case "ruby", "rb":
		return "ruby -e " + shellQuote(code), nil
	default:
		return "", fmt.Errorf("unsupported language %q", language)
	}
}

func displayLanguage(language string) string {
	if language == "" {
		return "shell"
	}
	return language
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ClassifyError buckets failure text into the closed error-kind set.
// Order matters: import errors often mention types, so import patterns
// are checked first.
func ClassifyError(text string) ErrorKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "modulenotfounderror"),
		strings.Contains(lower, "importerror"),
		strings.Contains(lower, "no module named"),
		strings.Contains(lower, "cannot find module"),
		strings.Contains(lower, "cannot find package"),
		strings.Contains(lower, "command not found"):
		return ErrorKindImport
	case strings.Contains(lower, "typeerror"),
		strings.Contains(lower, "type error"),
		strings.Contains(lower, "mismatched types"),
		strings.Contains(lower, "cannot use"),
		strings.Contains(lower, "invalid operand"):
		return ErrorKindType
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "eacces"):
		return ErrorKindAccess
	default:
		return ErrorKindUnknown
	}
}

func remediationFor(kind ErrorKind, language string) string {
	switch kind {
	case ErrorKindImport:
		if strings.HasPrefix(strings.ToLower(language), "py") {
			return "install the missing module with pip before rerunning"
		}
		return "install the missing dependency or check the command is on PATH"
	case ErrorKindType:
		return "check argument types at the call site reported in the traceback"
	case ErrorKindAccess:
		return "target a writable path inside the workspace; the sandbox blocks privileged operations"
	default:
		return "inspect the error output and retry with a corrected command"
	}
}
