package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain/run"
)

func TestParseRunFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "valid", args: []string{"--subject", "42", "--input", "hi"}},
		{name: "workflow with context", args: []string{"--kind", "workflow", "--subject", "7", "--input", "go", "--context", "env=prod", "--context", "team=core"}},
		{name: "missing subject", args: []string{"--input", "hi"}, wantErr: "--subject"},
		{name: "missing input", args: []string{"--subject", "42"}, wantErr: "--input"},
		{name: "bad kind", args: []string{"--kind", "robot", "--subject", "1", "--input", "x"}, wantErr: "--kind"},
		{name: "negative timeout", args: []string{"--subject", "1", "--input", "x", "--timeout", "-1s"}, wantErr: "--timeout"},
		{name: "bad context", args: []string{"--subject", "1", "--input", "x", "--context", "novalue"}, wantErr: "key=value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseRunFlags(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opts.subject == "" || opts.input == "" {
				t.Fatalf("options not populated: %+v", opts)
			}
		})
	}
}

func TestParseRunFlagsContext(t *testing.T) {
	opts, err := parseRunFlags([]string{"--subject", "1", "--input", "x", "--context", "a=b=c", "--timeout", "2m"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.context["a"] != "b=c" {
		t.Errorf("context = %v", opts.context)
	}
	if opts.timeout != 2*time.Minute {
		t.Errorf("timeout = %v", opts.timeout)
	}
	if opts.kind != string(run.SubjectAgent) {
		t.Errorf("kind default = %q", opts.kind)
	}
}

func TestExitErr(t *testing.T) {
	if err := exitErr(&run.Run{Status: run.StatusCompleted}); err != nil {
		t.Errorf("completed: %v", err)
	}
	err := exitErr(&run.Run{Status: run.StatusFailed, ErrorKind: run.ErrorKindServer, Error: "boom"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("failed: %v", err)
	}
	if err := exitErr(&run.Run{Status: run.StatusCancelled}); err == nil {
		t.Error("cancelled should be an error")
	}
	if err := exitErr(nil); err == nil {
		t.Error("nil should be an error")
	}
}

func TestStatePrinterPrintsOnlyNewSteps(t *testing.T) {
	var buf bytes.Buffer
	p := newStatePrinter(&buf, false)

	r := &run.Run{SubjectID: "42", SubjectKind: run.SubjectAgent, Status: run.StatusRunning}
	p.print(r)
	r = r.Clone()
	r.Steps = append(r.Steps, run.StepResult{StepNumber: 1, Kind: run.StepToolCall, ToolName: "search"})
	p.print(r)
	r = r.Clone()
	r.Steps = append(r.Steps, run.StepResult{StepNumber: 2, Kind: run.StepThinking, Content: "thinking"})
	p.print(r)
	r = r.Clone()
	r.Status = run.StatusCompleted
	r.Output = "done"
	p.print(r)

	out := buf.String()
	if strings.Count(out, "#1 ") != 1 {
		t.Errorf("step 1 printed more than once:\n%s", out)
	}
	if strings.Count(out, "[running]") != 1 {
		t.Errorf("status line repeated:\n%s", out)
	}
	for _, want := range []string{"search", "thinking", "[completed]", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatePrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newStatePrinter(&buf, true)
	p.print(&run.Run{SubjectID: "7", SubjectKind: run.SubjectWorkflow, Status: run.StatusPending})
	if !strings.Contains(buf.String(), `"subject_id":"7"`) || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("json line = %q", buf.String())
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	if err := dispatch([]string{"nope"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
