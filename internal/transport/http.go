package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
)

// InvokePath is the HTTP route inbound envelopes are posted to.
const InvokePath = "/orbit/invoke"

// MaxBodyBytes bounds request and response bodies on both sides of the
// HTTP transport. Larger bodies fail with CodePayloadTooLarge.
const MaxBodyBytes = 8 * 1024 * 1024

// HTTPClient posts envelopes to InvokePath. Metadata travels as headers
// both ways.
type HTTPClient struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPClient creates a client with the given default timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}, maxBody: MaxBodyBytes}
}

func (c *HTTPClient) Protocols() []domain.Protocol {
	return []domain.Protocol{domain.ProtocolHTTP}
}

// Send posts req to address.
func (c *HTTPClient) Send(ctx context.Context, protocol domain.Protocol, address string, req *Request) (*Response, error) {
	if protocol != domain.ProtocolHTTP {
		return nil, faults.Newf(faults.CodeClientNotFound, "http client cannot send %s", protocol)
	}
	if req.Metadata.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Metadata.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+InvokePath, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, faults.Wrap(faults.CodeTransport, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range requestHeaders(req.Metadata) {
		httpReq.Header.Set(k, v)
	}
	observability.InjectHeaders(ctx, httpReq.Header.Set)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.CodeTimeout, err, "http invoke "+address)
		}
		return nil, faults.Wrap(faults.CodeTransport, err, "http invoke "+address)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, faults.Newf(faults.CodePayloadTooLarge, "request to %s exceeds the peer's body limit", address)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, faults.Wrap(faults.CodeTransport, err, "read response")
	}
	if int64(len(body)) > c.maxBody {
		return nil, faults.Newf(faults.CodePayloadTooLarge, "response from %s exceeds %d bytes", address, c.maxBody)
	}
	if resp.StatusCode >= 400 {
		return nil, faults.Newf(faults.CodeTransport, "remote invoke failed (status %d): %s", resp.StatusCode, body)
	}

	md, err := parseResponseHeaders(resp.Header.Get)
	if err != nil {
		return nil, faults.Wrap(faults.CodeTransport, err, "http response metadata")
	}
	return &Response{Metadata: md, Payload: body}, nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// HTTPServer accepts envelopes over HTTP and dispatches them locally.
type HTTPServer struct {
	dispatcher *Dispatcher
	server     *http.Server
	lis        net.Listener
	port       int
	maxBody    int64
}

// NewHTTPServer creates a server; call Start to listen.
func NewHTTPServer(d *Dispatcher) *HTTPServer {
	s := &HTTPServer{dispatcher: d, maxBody: MaxBodyBytes}
	mux := http.NewServeMux()
	mux.HandleFunc(InvokePath, s.handleInvoke)
	s.server = &http.Server{Handler: observability.HTTPMiddleware(mux), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the routes, for mounting on an existing server.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on addr and serves in the background.
func (s *HTTPServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.lis = lis
	s.port = lis.Addr().(*net.TCPAddr).Port

	logging.Op().Info("HTTP server started", "addr", lis.Addr().String())

	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *HTTPServer) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Endpoints reports the bound listener for the local target.
func (s *HTTPServer) Endpoints() []domain.Endpoint {
	if s.lis == nil {
		return nil
	}
	return []domain.Endpoint{{Protocol: domain.ProtocolHTTP, Port: s.port}}
}

// Extensions reports listener metadata for the local target.
func (s *HTTPServer) Extensions() map[string]string {
	return map[string]string{"http.port": strconv.Itoa(s.port)}
}

// Stop shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	md, err := parseRequestHeaders(r.Header.Get)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), &Request{Metadata: md, Payload: payload})

	headers, err := responseHeaders(resp.Metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Payload)
}
