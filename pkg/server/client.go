package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Result is one host's outcome as streamed by the server.
type Result struct {
	JobID      string
	Host       string
	Status     string
	ExitStatus int
	Stdout     string
	Stderr     string
	Error      string
	Kind       string
	Duration   time.Duration
}

// HostInfo describes one host known to the server.
type HostInfo struct {
	Identity     string
	Name         string
	User         string
	Address      string
	Port         int
	Auth         string
	ResolveError string
}

// JobInfo summarizes one job run by the server.
type JobInfo struct {
	ID        string
	Op        string
	Hosts     int
	Success   int
	Warning   int
	Failure   int
	Completed bool
	CreatedAt string
}

// Client calls a massh.Dispatch service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Hosts lists the hosts of the remote client.
func (c *Client) Hosts(ctx context.Context) ([]HostInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodHosts, &structpb.Struct{}, out); err != nil {
		return nil, err
	}

	var hosts []HostInfo
	for _, v := range out.GetFields()["hosts"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		hosts = append(hosts, HostInfo{
			Identity:     f["identity"].GetStringValue(),
			Name:         f["name"].GetStringValue(),
			User:         f["user"].GetStringValue(),
			Address:      f["address"].GetStringValue(),
			Port:         int(f["port"].GetNumberValue()),
			Auth:         f["auth"].GetStringValue(),
			ResolveError: f["resolve_error"].GetStringValue(),
		})
	}
	return hosts, nil
}

// Jobs lists the server's recent jobs, oldest first.
func (c *Client) Jobs(ctx context.Context) ([]JobInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodJobs, &structpb.Struct{}, out); err != nil {
		return nil, err
	}

	var jobs []JobInfo
	for _, v := range out.GetFields()["jobs"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		jobs = append(jobs, JobInfo{
			ID:        f["id"].GetStringValue(),
			Op:        f["op"].GetStringValue(),
			Hosts:     int(f["hosts"].GetNumberValue()),
			Success:   int(f["success"].GetNumberValue()),
			Warning:   int(f["warning"].GetNumberValue()),
			Failure:   int(f["failure"].GetNumberValue()),
			Completed: f["completed"].GetBoolValue(),
			CreatedAt: f["created_at"].GetStringValue(),
		})
	}
	return jobs, nil
}

// Execute runs command on every host, calling fn once per host as results
// arrive.
func (c *Client) Execute(ctx context.Context, command string, fn func(Result)) error {
	return c.stream(ctx, "Execute", MethodExecute, map[string]any{"command": command}, fn)
}

// Download fetches remotePath from every host into localDir on the server.
func (c *Client) Download(ctx context.Context, remotePath, localDir string, fn func(Result)) error {
	return c.stream(ctx, "Download", MethodDownload, map[string]any{
		"remote_path": remotePath,
		"local_dir":   localDir,
	}, fn)
}

// Upload copies localPath on the server to remotePath on every host.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, fn func(Result)) error {
	return c.stream(ctx, "Upload", MethodUpload, map[string]any{
		"local_path":  localPath,
		"remote_path": remotePath,
	}, fn)
}

func (c *Client) stream(ctx context.Context, name, method string, fields map[string]any, fn func(Result)) error {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	stream, err := c.cc.NewStream(ctx, streamDesc(name), method)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(decodeResult(msg))
	}
}

func decodeResult(msg *structpb.Struct) Result {
	f := msg.GetFields()
	return Result{
		JobID:      f["job_id"].GetStringValue(),
		Host:       f["host"].GetStringValue(),
		Status:     f["status"].GetStringValue(),
		ExitStatus: int(f["exit_status"].GetNumberValue()),
		Stdout:     f["stdout"].GetStringValue(),
		Stderr:     f["stderr"].GetStringValue(),
		Error:      f["error"].GetStringValue(),
		Kind:       f["kind"].GetStringValue(),
		Duration:   time.Duration(f["duration_ms"].GetNumberValue()) * time.Millisecond,
	}
}
