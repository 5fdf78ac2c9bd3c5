package testbed

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	statusOK     = color.New(color.FgGreen)
	statusFailed = color.New(color.FgRed)
	statusInfo   = color.New(color.FgCyan)
	valueColor   = color.New(color.FgGreen)
)

// Status writes the operator-facing step protocol: one line per provisioning
// step with a colored [  OK  ] / [FAILED] / [ INFO ] prefix. A FAILED line
// never aborts the surrounding sequence; cleanup steps still run.
type Status struct {
	W io.Writer
}

// NewStatus returns a Status writing to w. A nil w silences all output.
func NewStatus(w io.Writer) *Status {
	return &Status{W: w}
}

// Step reports one step and its outcome, and returns ok for chaining.
func (s *Status) Step(message string, ok bool) bool {
	if s == nil || s.W == nil {
		return ok
	}
	if ok {
		fmt.Fprintf(s.W, "[  %s  ]: %s\n", statusOK.Sprint("OK"), message)
	} else {
		fmt.Fprintf(s.W, "[%s]: %s\n", statusFailed.Sprint("FAILED"), message)
	}
	return ok
}

// StepErr reports a step whose outcome is an error value.
func (s *Status) StepErr(message string, err error) bool {
	return s.Step(message, err == nil)
}

// Info reports progress that has no pass/fail outcome.
func (s *Status) Info(message string) {
	if s == nil || s.W == nil {
		return
	}
	fmt.Fprintf(s.W, "[%s]: %s\n", statusInfo.Sprint(" INFO "), message)
}

// Infof is Info with formatting; arguments render green, matching how the
// step protocol highlights chosen names and nodes.
func (s *Status) Infof(format string, args ...any) {
	if s == nil || s.W == nil {
		return
	}
	colored := make([]any, len(args))
	for i, a := range args {
		colored[i] = valueColor.Sprint(a)
	}
	s.Info(fmt.Sprintf(format, colored...))
}
