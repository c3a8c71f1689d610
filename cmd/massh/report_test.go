package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/liliang-cn/massh/pkg/dispatch"
	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/ssh"
)

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	r := &report{w: &buf}

	host := func(addr string) inventory.Identity {
		return inventory.Identity{User: "deploy", Address: addr, Port: 22}
	}
	r.exec(dispatch.ExecMessage{
		Host:  host("10.0.0.1"),
		Value: &ssh.CommandOutput{Stdout: []byte("up 3 days\n\n")},
	})
	r.exec(dispatch.ExecMessage{
		Host:  host("10.0.0.2"),
		Value: &ssh.CommandOutput{ExitStatus: 3, Stderr: []byte{0xff, 0xfe}},
	})
	r.exec(dispatch.ExecMessage{
		Host: host("10.0.0.3"),
		Err:  errors.New("connection refused"),
	})

	err := r.finish()
	if !errors.Is(err, errHostsFailed) {
		t.Errorf("expected errHostsFailed, got %v", err)
	}

	want := strings.Join([]string{
		"[deploy@10.0.0.1:22]: success",
		"up 3 days",
		"[deploy@10.0.0.2:22]: warning: exit status = 3",
		"stderr is not UTF-8 (2 bytes)",
		"[deploy@10.0.0.3:22]: failure: connection refused",
		"",
		"success: 1 host",
		"warning: 1 host",
		"failure: 1 host",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("unexpected report:\n%s\nwant:\n%s", got, want)
	}
}

func TestReportTransfers(t *testing.T) {
	var buf bytes.Buffer
	r := &report{w: &buf}
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		r.transfer(dispatch.TransferMessage{Host: inventory.Identity{User: "root", Address: addr, Port: 2222}})
	}

	if err := r.finish(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !strings.HasSuffix(buf.String(), "success: 2 hosts\nwarning: 0 hosts\nfailure: 0 hosts\n") {
		t.Errorf("unexpected summary:\n%s", buf.String())
	}
}

func TestReportColor(t *testing.T) {
	var buf bytes.Buffer
	r := &report{w: &buf, color: true}
	r.transfer(dispatch.TransferMessage{Host: inventory.Identity{User: "root", Address: "10.0.0.1", Port: 22}})
	if !strings.Contains(buf.String(), colorGreen+"success"+colorReset) {
		t.Errorf("expected colored status, got %q", buf.String())
	}
}
