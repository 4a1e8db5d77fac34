// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
)

const (
	maxRetries    = 5
	retryBaseWait = 100 * time.Millisecond
)

// RendezvousPath is where mpirun serves the rendezvous service
const RendezvousPath = "/rpc"

// RegisterArgs announces one process of a job
type RegisterArgs struct {
	Job  string `json:"job"`
	Rank int    `json:"rank"` // -1 to be assigned in arrival order
	Size int    `json:"size"`
	Addr string `json:"addr"` // link listener address
}

// RegisterReply is the full address table of the job, indexed by rank
type RegisterReply struct {
	Rank  int      `json:"rank"`
	Size  int      `json:"size"`
	Addrs []string `json:"addrs"`
}

// Registrar resolves a process's rank and the job's address table. Join
// blocks until every process of the job has joined.
type Registrar interface {
	Join(ctx context.Context, args RegisterArgs) (RegisterReply, error)
}

// NewJobID returns a short random job identifier
func NewJobID() string {
	id, err := shortid.Generate()
	if err != nil {
		return strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "")
	}
	return id
}

type jobTable struct {
	size   int
	addrs  []string
	filled int
	served int
	ready  chan struct{}
}

// Rendezvous collects the listener addresses of every job it serves
type Rendezvous struct {
	mu   sync.Mutex
	jobs map[string]*jobTable
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{jobs: make(map[string]*jobTable)}
}

// Join registers args and waits for the rest of the job. Registering the
// same address twice returns the rank it already holds.
func (r *Rendezvous) Join(ctx context.Context, args RegisterArgs) (RegisterReply, error) {
	if args.Size < 1 {
		return RegisterReply{}, errors.Errorf("rendezvous: job %q size %d", args.Job, args.Size)
	}
	r.mu.Lock()
	t, ok := r.jobs[args.Job]
	if !ok {
		t = &jobTable{
			size:  args.Size,
			addrs: make([]string, args.Size),
			ready: make(chan struct{}),
		}
		r.jobs[args.Job] = t
	}
	rank, err := t.register(args)
	r.mu.Unlock()
	if err != nil {
		return RegisterReply{}, err
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		return RegisterReply{}, errors.Wrapf(ctx.Err(), "rendezvous: job %q", args.Job)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reply := RegisterReply{Rank: rank, Size: t.size, Addrs: append([]string(nil), t.addrs...)}
	t.served++
	if t.served >= t.size && r.jobs[args.Job] == t {
		delete(r.jobs, args.Job)
	}
	return reply, nil
}

func (t *jobTable) register(args RegisterArgs) (int, error) {
	if args.Size != t.size {
		return 0, errors.Errorf("rendezvous: job has size %d, got %d", t.size, args.Size)
	}
	for i, addr := range t.addrs {
		if addr == args.Addr && (args.Rank < 0 || args.Rank == i) {
			return i, nil
		}
	}
	rank := args.Rank
	if rank < 0 {
		rank = 0
		for rank < t.size && t.addrs[rank] != "" {
			rank++
		}
	}
	if rank >= t.size {
		return 0, rankErr(rank, t.size, "rendezvous: job full, rank")
	}
	if t.addrs[rank] != "" {
		return 0, errors.Errorf("rendezvous: rank %d already registered", rank)
	}
	t.addrs[rank] = args.Addr
	t.filled++
	if t.filled == t.size {
		close(t.ready)
	}
	return rank, nil
}

type rendezvousService struct {
	r *Rendezvous
}

// Register is the JSON-RPC method Rendezvous.Register
func (s *rendezvousService) Register(req *http.Request, args *RegisterArgs, reply *RegisterReply) error {
	out, err := s.r.Join(req.Context(), *args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

// Handler serves Rendezvous.Register over JSON-RPC 2.0
func (r *Rendezvous) Handler() (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(&rendezvousService{r: r}, "Rendezvous"); err != nil {
		return nil, errors.Wrap(err, "register rendezvous service")
	}
	return server, nil
}

// rendezvousClient joins through a remote Rendezvous service
type rendezvousClient struct {
	uri string
	log *slog.Logger
}

// NewRendezvousClient returns a Registrar for the service at uri
func NewRendezvousClient(uri string, log *slog.Logger) Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &rendezvousClient{uri: uri, log: log}
}

func (c *rendezvousClient) Join(ctx context.Context, args RegisterArgs) (RegisterReply, error) {
	var reply RegisterReply
	err := sendJSONRequest(ctx, c.log, c.uri, "Rendezvous.Register", &args, &reply)
	return reply, err
}

// newHTTPClient has no timeout: Register blocks until the job is complete
// and the caller's context bounds the wait.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// cleanlyCloseBody drains and closes an HTTP response body
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

func sendJSONRequest(
	ctx context.Context,
	log *slog.Logger,
	uri string,
	method string,
	params interface{},
	reply interface{},
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return errors.Wrap(err, "failed to encode client params")
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(requestBodyBytes))
		if err != nil {
			return errors.Wrap(err, "failed to create request")
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			log.Debug("rendezvous request failed", "attempt", attempt+1, slog.String("err", err.Error()), "retryable", isRetryableError(err))
			if isRetryableError(err) {
				continue
			}
			return errors.Wrap(err, "failed to issue request")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			cleanlyCloseBody(resp.Body)
			return errors.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		cleanlyCloseBody(resp.Body)
		if err != nil {
			return errors.Wrap(err, "rendezvous")
		}
		return nil
	}

	return errors.Wrapf(lastErr, "failed to issue request after %d retries", maxRetries)
}
