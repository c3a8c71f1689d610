package main

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/liliang-cn/massh/pkg/dispatch"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
)

// report prints one line per host as results arrive and a summary at the
// end.
type report struct {
	w     io.Writer
	color bool
	tally dispatch.Tally
}

func (r *report) paint(color, s string) string {
	if !r.color {
		return s
	}
	return color + s + colorReset
}

func (r *report) exec(msg dispatch.ExecMessage) {
	exitStatus := 0
	if msg.Value != nil {
		exitStatus = msg.Value.ExitStatus
	}
	r.status(msg.Host.String(), dispatch.ExecStatus(msg), msg.Err, exitStatus)
	if msg.Err == nil && msg.Value != nil {
		r.bytes("stdout", msg.Value.Stdout, colorCyan)
		r.bytes("stderr", msg.Value.Stderr, colorPurple)
	}
}

func (r *report) transfer(msg dispatch.TransferMessage) {
	r.status(msg.Host.String(), dispatch.TransferStatus(msg), msg.Err, 0)
}

func (r *report) status(host string, st dispatch.Status, err error, exitStatus int) {
	r.tally.Add(st)

	var line string
	switch st {
	case dispatch.StatusSuccess:
		line = r.paint(colorGreen, "success")
	case dispatch.StatusWarning:
		line = r.paint(colorYellow, fmt.Sprintf("warning: exit status = %d", exitStatus))
	default:
		line = r.paint(colorRed, fmt.Sprintf("failure: %v", err))
	}
	fmt.Fprintf(r.w, "[%s]: %s\n", host, line)
}

func (r *report) bytes(label string, b []byte, color string) {
	if len(b) == 0 {
		return
	}
	if !utf8.Valid(b) {
		fmt.Fprintln(r.w, r.paint(color, fmt.Sprintf("%s is not UTF-8 (%d bytes)", label, len(b))))
		return
	}
	fmt.Fprintln(r.w, r.paint(color, strings.TrimRight(string(b), " \t\r\n")))
}

// finish prints the summary and returns errHostsFailed if any host failed.
func (r *report) finish() error {
	fmt.Fprintln(r.w)
	r.summary("success", r.tally.Success, colorGreen)
	r.summary("warning", r.tally.Warning, colorYellow)
	r.summary("failure", r.tally.Failure, colorRed)
	if r.tally.Failure > 0 {
		return errHostsFailed
	}
	return nil
}

func (r *report) summary(label string, n int, color string) {
	noun := "hosts"
	if n == 1 {
		noun = "host"
	}
	fmt.Fprintln(r.w, r.paint(color, fmt.Sprintf("%s: %d %s", label, n, noun)))
}
