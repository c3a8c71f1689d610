// Package server exposes a massh client over gRPC.
//
// The massh.Dispatch service has two unary methods, Hosts and Jobs, and
// three server-streaming ones, Execute, Download and Upload, which send one
// message per host as soon as that host finishes. Every operation is
// recorded as a Job with a per-status tally.
//
// Messages are google.protobuf.Struct values, so no generated code is
// needed on either side:
//
//	client, err := dispatch.NewFromFile("massh.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s := grpc.NewServer()
//	server.Register(s, server.NewServer(client, nil))
//	s.Serve(listener)
package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/liliang-cn/massh/pkg/dispatch"
	"github.com/liliang-cn/massh/pkg/inventory"
	"github.com/liliang-cn/massh/pkg/logger"
	"github.com/liliang-cn/massh/pkg/ssh"
)

// maxJobs bounds the number of finished jobs kept for Jobs.
const maxJobs = 100

// Server implements DispatchServer on top of a dispatch.Client.
type Server struct {
	client *dispatch.Client
	log    *logger.Logger

	jobMu  sync.RWMutex
	jobs   []*Job
	nextID uint64
}

// Job is one operation served by the server.
type Job struct {
	ID          string
	Op          string
	Hosts       int
	CreatedAt   time.Time
	CompletedAt time.Time

	mu    sync.Mutex
	tally dispatch.Tally
}

func (j *Job) add(s dispatch.Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tally.Add(s)
}

func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.CompletedAt = time.Now()
}

// Snapshot returns the job's tally and whether it has completed.
func (j *Job) Snapshot() (dispatch.Tally, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tally, !j.CompletedAt.IsZero()
}

// NewServer wraps client. A nil logger uses the package default.
func NewServer(client *dispatch.Client, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{client: client, log: log}
}

func (s *Server) startJob(op string) *Job {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	s.nextID++
	job := &Job{
		ID:        fmt.Sprintf("%s-%d", op, s.nextID),
		Op:        op,
		Hosts:     s.client.Len(),
		CreatedAt: time.Now(),
	}
	s.jobs = append(s.jobs, job)
	if len(s.jobs) > maxJobs {
		s.jobs = s.jobs[len(s.jobs)-maxJobs:]
	}
	return job
}

// Hosts lists the client's hosts.
func (s *Server) Hosts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	hosts := s.client.Hosts()
	list := make([]any, 0, len(hosts))
	for _, h := range hosts {
		entry := map[string]any{
			"identity": h.Identity.String(),
			"name":     h.Name,
			"user":     h.User,
			"address":  h.Address,
			"port":     int(h.Port),
			"auth":     h.Auth.String(),
		}
		if h.ResolveErr != nil {
			entry["resolve_error"] = h.ResolveErr.Error()
		}
		list = append(list, entry)
	}
	return newStruct(map[string]any{"hosts": list})
}

// Jobs lists the most recent jobs, oldest first.
func (s *Server) Jobs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.jobMu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.jobMu.RUnlock()

	list := make([]any, 0, len(jobs))
	for _, j := range jobs {
		tally, done := j.Snapshot()
		list = append(list, map[string]any{
			"id":         j.ID,
			"op":         j.Op,
			"hosts":      j.Hosts,
			"success":    tally.Success,
			"warning":    tally.Warning,
			"failure":    tally.Failure,
			"completed":  done,
			"created_at": j.CreatedAt.Format(time.RFC3339),
		})
	}
	return newStruct(map[string]any{"jobs": list})
}

// Execute runs req.command on every host.
func (s *Server) Execute(req *structpb.Struct, stream grpc.ServerStream) error {
	command, err := requireString(req, "command")
	if err != nil {
		return err
	}

	job := s.startJob("execute")
	defer job.finish()
	s.log.Info("job %s: execute %q on %d hosts", job.ID, command, job.Hosts)

	results := s.client.Execute(command)
	for msg := range results {
		st := dispatch.ExecStatus(msg)
		job.add(st)

		fields := resultFields(job.ID, msg.Host, st, msg.Duration, msg.Err)
		if out := msg.Value; out != nil {
			fields["exit_status"] = out.ExitStatus
			fields["stdout"] = text(out.Stdout)
			fields["stderr"] = text(out.Stderr)
		}
		if err := send(stream, fields); err != nil {
			s.log.Warn("job %s: client went away: %v", job.ID, err)
			return err
		}
	}
	return nil
}

// Download fetches req.remote_path from every host into req.local_dir on the
// server's filesystem.
func (s *Server) Download(req *structpb.Struct, stream grpc.ServerStream) error {
	remotePath, err := requireString(req, "remote_path")
	if err != nil {
		return err
	}
	localDir, err := requireString(req, "local_dir")
	if err != nil {
		return err
	}

	job := s.startJob("download")
	defer job.finish()
	s.log.Info("job %s: download %s into %s from %d hosts", job.ID, remotePath, localDir, job.Hosts)
	return s.streamTransfers(job, s.client.Download(remotePath, localDir), stream)
}

// Upload copies req.local_path from the server's filesystem to
// req.remote_path on every host.
func (s *Server) Upload(req *structpb.Struct, stream grpc.ServerStream) error {
	localPath, err := requireString(req, "local_path")
	if err != nil {
		return err
	}
	remotePath, err := requireString(req, "remote_path")
	if err != nil {
		return err
	}

	job := s.startJob("upload")
	defer job.finish()
	s.log.Info("job %s: upload %s to %s on %d hosts", job.ID, localPath, remotePath, job.Hosts)
	return s.streamTransfers(job, s.client.Upload(localPath, remotePath), stream)
}

func (s *Server) streamTransfers(job *Job, results <-chan dispatch.TransferMessage, stream grpc.ServerStream) error {
	for msg := range results {
		st := dispatch.TransferStatus(msg)
		job.add(st)
		if err := send(stream, resultFields(job.ID, msg.Host, st, msg.Duration, msg.Err)); err != nil {
			s.log.Warn("job %s: client went away: %v", job.ID, err)
			return err
		}
	}
	return nil
}

func resultFields(jobID string, host inventory.Identity, st dispatch.Status, d time.Duration, err error) map[string]any {
	fields := map[string]any{
		"job_id":      jobID,
		"host":        host.String(),
		"status":      st.String(),
		"duration_ms": d.Milliseconds(),
	}
	if err != nil {
		fields["error"] = text([]byte(err.Error()))
		fields["kind"] = ssh.KindOf(err).String()
	}
	return fields
}

func send(stream grpc.ServerStream, fields map[string]any) error {
	msg, err := newStruct(fields)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return msg, nil
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v.GetStringValue(), nil
}

// text makes command output safe for a protobuf string.
func text(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
