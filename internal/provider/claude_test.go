package provider

import "testing"

func TestClaudeClassifyResult(t *testing.T) {
	c := NewClaude()

	tests := []struct {
		name     string
		res      *Result
		wantType string
	}{
		{
			name:     "success is never classified",
			res:      &Result{Success: true, Stdout: "Insufficient credits"},
			wantType: "",
		},
		{
			name:     "credit exhaustion from stderr",
			res:      &Result{ExitCode: 1, Stderr: "Error: Credit balance is too low"},
			wantType: ClassCreditExhaustion,
		},
		{
			name:     "credit exhaustion from stdout",
			res:      &Result{ExitCode: 1, Stdout: "Insufficient credits to run this request"},
			wantType: ClassCreditExhaustion,
		},
		{
			name:     "rate limit",
			res:      &Result{ExitCode: 1, Stderr: "rate_limit_error: Too Many Requests"},
			wantType: ClassRateLimit,
		},
		{
			name:     "auth error",
			res:      &Result{ExitCode: 1, Stderr: "Invalid API key. Please run /login"},
			wantType: ClassAuthError,
		},
		{
			name:     "model not found",
			res:      &Result{ExitCode: 1, Stderr: "not_found_error: model does not exist"},
			wantType: ClassModelNotFound,
		},
		{
			name:     "unknown failure",
			res:      &Result{ExitCode: 1, Stderr: "segmentation fault"},
			wantType: "",
		},
		{
			name:     "nil result",
			res:      nil,
			wantType: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ClassifyResult(tt.res)
			if tt.wantType == "" {
				if got != nil {
					t.Fatalf("ClassifyResult() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ClassifyResult() = nil, want type %s", tt.wantType)
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
			if got.Message == "" {
				t.Error("classification message is empty")
			}
		})
	}
}

func TestClaudeClassifyRetryAfter(t *testing.T) {
	c := NewClaude()
	cl := c.ClassifyResult(&Result{
		ExitCode: 1,
		Stderr:   "429 Too Many Requests\nRetry-After: 30",
	})
	if cl == nil || cl.Type != ClassRateLimit {
		t.Fatalf("expected rate limit classification, got %+v", cl)
	}
	if cl.RetryAfterMs != 30000 {
		t.Errorf("RetryAfterMs = %d, want 30000", cl.RetryAfterMs)
	}
}

func TestClaudeClassifyPreservesMessageCase(t *testing.T) {
	c := NewClaude()
	cl := c.ClassifyResult(&Result{ExitCode: 1, Stderr: "Insufficient credits"})
	if cl == nil {
		t.Fatal("expected classification")
	}
	if cl.Message != "Insufficient credits" {
		t.Errorf("Message = %q, want %q", cl.Message, "Insufficient credits")
	}
}

func TestClaudeClassifyMultibyteStderr(t *testing.T) {
	c := NewClaude()
	// Lowercasing "İ" grows it from 2 to 3 bytes; the extracted line
	// must still come out byte-exact.
	cl := c.ClassifyResult(&Result{
		ExitCode: 1,
		Stderr:   "İşlem başarısız oldu\nError: Credit balance is too low",
	})
	if cl == nil || cl.Type != ClassCreditExhaustion {
		t.Fatalf("expected credit classification, got %+v", cl)
	}
	if cl.Message != "Error: Credit balance is too low" {
		t.Errorf("Message = %q, want the exact matching line", cl.Message)
	}
}
