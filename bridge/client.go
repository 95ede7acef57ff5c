package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client drives the REST control surface: starting, querying, and stopping
// build and simulation sessions.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL      string
	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("bridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		retryClient := retryablehttp.NewClient()
		retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
		f(retryClient)
		c.HTTPClient = retryClient.StandardClient()
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("bridge_client"),
		baseURL:      baseURL,
		waitInterval: 100 * time.Millisecond,
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 4
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	c.HTTPClient = retryClient.StandardClient()

	for _, o := range opts {
		o(c)
	}
	return c
}

// WaitForServer polls the health endpoint until the server answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := c.HTTPClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.waitInterval):
		}
	}
}

func (c *Client) StartBuild(ctx context.Context, task, projectPath string) (*StartResponse, error) {
	var resp StartResponse
	err := c.postJSON(ctx, "/build", StartBuildRequest{Task: task, ProjectPath: projectPath}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StartSimulation(ctx context.Context, simulationType, projectPath string) (*StartResponse, error) {
	var resp StartResponse
	err := c.postJSON(ctx, "/simulation", StartSimulationRequest{SimulationType: simulationType, ProjectPath: projectPath}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) BuildStatus(ctx context.Context, id string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.getJSON(ctx, "/build/"+id, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SimulationStatus(ctx context.Context, id string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.getJSON(ctx, "/simulation/"+id, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StopBuild(ctx context.Context, id string) error {
	var resp StopResponse
	return c.postJSON(ctx, "/build/"+id+"/stop", struct{}{}, &resp)
}

func (c *Client) StopSimulation(ctx context.Context, id string) error {
	var resp StopResponse
	return c.postJSON(ctx, "/simulation/"+id+"/stop", struct{}{}, &resp)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

const (
	defaultMaxReconnectAttempts = 10
	maxReconnectDelay           = 30 * time.Second
)

// ReconnectDelay is the backoff before reconnect attempt number attempt
// (zero-based): one second doubled per attempt, capped at thirty seconds.
func ReconnectDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxReconnectDelay
	}
	return time.Second << attempt
}

// Subscriber is the events-socket client. It maintains the connection,
// reconnecting with exponential backoff, and re-issues its subscriptions
// after every reconnect so a dropped connection is invisible to the handler
// apart from a possible history re-replay.
type Subscriber struct {
	log         *zap.SugaredLogger
	url         string
	handler     func(ServerMessage)
	maxAttempts int

	mu       sync.Mutex
	conn     *websocket.Conn
	buildIDs map[string]struct{}
	simIDs   map[string]struct{}
}

type SubscriberOption func(s *Subscriber)

func WithMaxReconnectAttempts(n int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxAttempts = n
	}
}

// NewSubscriber builds a client for the events WebSocket at wsURL. handler is
// called for every server message, on the read goroutine.
func NewSubscriber(log *zap.SugaredLogger, wsURL string, handler func(ServerMessage), opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		log:         log.Named("events_subscriber"),
		url:         wsURL,
		handler:     handler,
		maxAttempts: defaultMaxReconnectAttempts,
		buildIDs:    make(map[string]struct{}),
		simIDs:      make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SubscribeBuild registers interest in a build session's output. The
// subscription survives reconnects.
func (s *Subscriber) SubscribeBuild(ctx context.Context, id string) error {
	s.mu.Lock()
	s.buildIDs[id] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, controlMessage{Type: msgTypeSubscribe, BuildID: id})
}

// SubscribeSimulation registers interest in a simulation session's output.
func (s *Subscriber) SubscribeSimulation(ctx context.Context, id string) error {
	s.mu.Lock()
	s.simIDs[id] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, controlMessage{Type: msgTypeSubscribe, SimulationID: id})
}

// Run connects and reads until ctx is canceled or the reconnect budget is
// exhausted. The attempt counter resets to zero after every successful
// connection.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= s.maxAttempts {
				return fmt.Errorf("giving up after %d reconnect attempts: %w", attempt, err)
			}
			delay := ReconnectDelay(attempt)
			attempt++
			s.log.Debugw("dial failed, backing off", "Attempt", attempt, "Delay", delay, "Error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		conn.SetReadLimit(wsReadLimit)
		s.setConn(conn)
		s.resubscribe(ctx)

		readErr := s.readLoop(ctx, conn)
		s.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debugf("events conn lost, reconnecting: %s", readErr)
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg ServerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		s.handler(msg)
	}
}

func (s *Subscriber) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Subscriber) resubscribe(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	builds := make([]string, 0, len(s.buildIDs))
	for id := range s.buildIDs {
		builds = append(builds, id)
	}
	sims := make([]string, 0, len(s.simIDs))
	for id := range s.simIDs {
		sims = append(sims, id)
	}
	s.mu.Unlock()

	for _, id := range builds {
		if err := wsjson.Write(ctx, conn, controlMessage{Type: msgTypeSubscribe, BuildID: id}); err != nil {
			s.log.Debugf("resubscribing build %s: %s", id, err)
			return
		}
	}
	for _, id := range sims {
		if err := wsjson.Write(ctx, conn, controlMessage{Type: msgTypeSubscribe, SimulationID: id}); err != nil {
			s.log.Debugf("resubscribing simulation %s: %s", id, err)
			return
		}
	}
}
