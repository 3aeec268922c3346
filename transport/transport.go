package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// ErrBusy is returned by Transport.Call when another command is already
// outstanding: spec.md §4.3 and §5 both describe the HSM transport as
// having a queue depth of one.
var ErrBusy = errors.New("transport: command already outstanding")

// Transport is the single capability set spec.md §9 describes for talking
// to an HSM: "send_rpc(name, bytes) -> bytes | error", whether the HSM is
// in-process or reached over the network. Implementations must themselves
// enforce the single-outstanding-command rule; Single wraps any Transport
// to add that enforcement once, centrally.
type Transport interface {
	Call(ctx context.Context, name string, body []byte) ([]byte, error)
}

// HandlerFunc is the in-process HSM side of a command: decode body,
// execute it against the single-threaded HSM, encode the result.
type HandlerFunc func(ctx context.Context, name string, body []byte) ([]byte, error)

// Single wraps an inner Transport so at most one Call is in flight at a
// time, returning ErrBusy for any attempt to start a second one — the
// queue-depth-of-one discipline spec.md requires of every HSM transport,
// regardless of whether the underlying implementation is in-process or
// networked.
type Single struct {
	inner Transport
	mu    sync.Mutex
	busy  bool
}

// NewSingle wraps inner with queue-depth-of-one enforcement.
func NewSingle(inner Transport) *Single {
	return &Single{inner: inner}
}

func (s *Single) Call(ctx context.Context, name string, body []byte) ([]byte, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	return s.inner.Call(ctx, name, body)
}

// InProcess dispatches directly to a Handler in the same process, the
// variant spec.md §9 lists alongside the networked one; used by tests and
// single-binary deployments.
type InProcess struct {
	Handler HandlerFunc
}

func (t InProcess) Call(ctx context.Context, name string, body []byte) ([]byte, error) {
	return t.Handler(ctx, name, body)
}

// maxFramePayload bounds the size of a single frame's payload before
// Networked starts paging a response, well under common HTTP body limits.
const maxFramePayload = 1 << 20

// Networked is the go-chi-served HTTP variant of Transport: one POST per
// command, the body framed per spec.md §6, paged responses reassembled
// transparently by the client.
type Networked struct {
	Client  *http.Client
	BaseURL string
}

// NewNetworked builds a Networked transport against baseURL, using client
// if non-nil or http.DefaultClient otherwise.
func NewNetworked(baseURL string, client *http.Client) *Networked {
	if client == nil {
		client = http.DefaultClient
	}
	return &Networked{Client: client, BaseURL: baseURL}
}

func (t *Networked) Call(ctx context.Context, name string, body []byte) ([]byte, error) {
	frame := EncodeFrame(Frame{Type: FrameSingle, ChunkCount: 1, Payload: body})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/"+name, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrBusy
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: %s: status %d", name, resp.StatusCode)
	}

	f, err := DecodeFrame(respBody)
	if err != nil {
		return nil, err
	}
	var reassembler Reassembler
	payload, done, err := reassembler.Feed(f)
	if err != nil {
		return nil, err
	}
	for !done {
		chunk, err := t.fetchContinuation(ctx, name, f.ChunkNumber+1)
		if err != nil {
			return nil, err
		}
		payload, done, err = reassembler.Feed(chunk)
		if err != nil {
			return nil, err
		}
		f = chunk
	}
	return payload, nil
}

func (t *Networked) fetchContinuation(ctx context.Context, name string, chunkNumber uint32) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/continuation/%d", t.BaseURL, name, chunkNumber), nil)
	if err != nil {
		return Frame{}, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return Frame{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Frame{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("transport: continuation %s/%d: status %d", name, chunkNumber, resp.StatusCode)
	}
	return DecodeFrame(body)
}

// Server mounts a Single-wrapped Handler behind go-chi, serving exactly the
// framing Networked's client expects. Large responses are paged at
// maxFramePayload and held in a per-command buffer until every
// continuation chunk has been fetched or the pending slot is overwritten
// by the next command (the HSM never holds more than one command's worth
// of response state, consistent with its queue depth of one).
type Server struct {
	single *Single
	// MaxFramePayload bounds a single frame's payload before responses page;
	// defaults to maxFramePayload. Tests shrink it to exercise paging
	// without generating megabyte-sized fixtures.
	MaxFramePayload int

	mu      sync.Mutex
	pending []Frame
}

// NewServer wraps handler with queue-depth-of-one enforcement and returns a
// Server ready to mount via Router.
func NewServer(handler HandlerFunc) *Server {
	return &Server{single: NewSingle(InProcess{Handler: handler}), MaxFramePayload: maxFramePayload}
}

// Router returns a chi.Router serving POST /{name} for commands and
// GET /{name}/continuation/{n} for paged-response chunks.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/{name}", s.handleCommand)
	r.Get("/{name}/continuation/{n}", s.handleContinuation)
	return r
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reqFrame, err := DecodeFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	respBody, err := s.single.Call(r.Context(), name, reqFrame.Payload)
	if errors.Is(err, ErrBusy) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	frames := ChunkFrames(respBody, s.MaxFramePayload)
	s.mu.Lock()
	s.pending = frames[1:]
	s.mu.Unlock()

	w.Write(EncodeFrame(frames[0]))
}

func (s *Server) handleContinuation(w http.ResponseWriter, r *http.Request) {
	n := chi.URLParam(r, "n")
	var want uint32
	if _, err := fmt.Sscanf(n, "%d", &want); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || s.pending[0].ChunkNumber != want {
		http.Error(w, "no such continuation chunk", http.StatusNotFound)
		return
	}
	frame := s.pending[0]
	s.pending = s.pending[1:]
	w.Write(EncodeFrame(frame))
}
