package provider

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Claude invokes the claude CLI in headless mode with stream-json output.
type Claude struct {
	// CLI is the binary name or path; "claude" by default.
	CLI string

	// Template, when set, overrides the built argv. Used for operator
	// overrides from config; the default path never goes through it.
	Template []string
}

// NewClaude creates a Claude adapter.
func NewClaude() *Claude {
	return &Claude{CLI: "claude"}
}

// Name implements Provider.
func (c *Claude) Name() string { return "claude" }

// IsAvailable reports whether the claude CLI is on PATH.
func (c *Claude) IsAvailable() bool {
	_, err := exec.LookPath(c.cli())
	return err == nil
}

// ListModels implements Provider.
func (c *Claude) ListModels() []string {
	return []string{"haiku", "sonnet", "opus"}
}

// DefaultInvocationTemplate implements Provider. The default invocation
// path builds argv directly and does not use the template; this is the
// equivalent template for operators who want to start from it.
func (c *Claude) DefaultInvocationTemplate() []string {
	return []string{
		PlaceholderCLI, "-p", "--model", PlaceholderModel,
		"--output-format", "stream-json", "--verbose",
		"--dangerously-skip-permissions",
		"--resume", PlaceholderSessionID,
	}
}

func (c *Claude) cli() string {
	if c.CLI != "" {
		return c.CLI
	}
	return "claude"
}

// Invoke implements Provider.
func (c *Claude) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error) {
	build := func(promptFile string) []string {
		tmpl := opts.InvocationTemplate
		if len(tmpl) == 0 {
			tmpl = c.Template
		}
		if len(tmpl) > 0 {
			return ExpandTemplate(tmpl, c.cli(), promptFile, opts.Model, opts.ResumeSessionID)
		}

		// Default path: the prompt goes straight into argv, so nothing
		// is ever interpreted by a shell.
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return nil
		}
		argv := []string{c.cli(), "-p", string(data),
			"--output-format", "stream-json", "--verbose",
			"--dangerously-skip-permissions"}
		if opts.Model != "" {
			argv = append(argv, "--model", opts.Model)
		}
		if opts.ResumeSessionID != "" {
			argv = append(argv, "--resume", opts.ResumeSessionID)
		}
		return argv
	}

	extra := map[string]string{
		"CLAUDE_MODEL": opts.Model,
	}
	return invokeCLI(ctx, c.cli(), prompt, opts, build, extra)
}

var (
	creditPatterns = []string{
		"credit balance is too low",
		"insufficient credits",
		"usage limit reached",
		"out of credits",
		"upgrade to continue",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"rate_limit_error",
		"too many requests",
		"overloaded_error",
	}
	authPatterns = []string{
		"invalid api key",
		"authentication_error",
		"not logged in",
		"please run /login",
		"oauth token has expired",
	}
	modelPatterns = []string{
		"model not found",
		"not_found_error",
		"unknown model",
	}

	retryAfterRe = regexp.MustCompile(`(?i)retry[ -]after[:\s]+(\d+)`)
)

// ClassifyResult implements Provider. Successful results and failures
// that match no known class return nil.
func (c *Claude) ClassifyResult(res *Result) *Classification {
	if res == nil || res.Success {
		return nil
	}
	combined := res.Stderr + "\n" + res.Stdout

	// Match line by line so the reported message is the exact original
	// line; lowercasing can shift byte offsets on multibyte text.
	lines := strings.Split(combined, "\n")
	match := func(patterns []string) (string, bool) {
		for _, line := range lines {
			lower := strings.ToLower(line)
			for _, p := range patterns {
				if strings.Contains(lower, p) {
					return strings.TrimSpace(line), true
				}
			}
		}
		return "", false
	}

	if msg, ok := match(creditPatterns); ok {
		return &Classification{Type: ClassCreditExhaustion, Message: msg}
	}
	if msg, ok := match(rateLimitPatterns); ok {
		cl := &Classification{Type: ClassRateLimit, Message: msg}
		if m := retryAfterRe.FindStringSubmatch(combined); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil {
				cl.RetryAfterMs = int64(secs) * 1000
			}
		}
		return cl
	}
	if msg, ok := match(authPatterns); ok {
		return &Classification{Type: ClassAuthError, Message: msg}
	}
	if msg, ok := match(modelPatterns); ok {
		return &Classification{Type: ClassModelNotFound, Message: msg}
	}
	return nil
}
