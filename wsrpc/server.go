package wsrpc

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
)

// Hooks are called around the life of a connection. They carry no protocol
// meaning.
type Hooks struct {
	// OnConnect runs once the connection is registered with the hub. An
	// error closes the connection with StatusPolicyViolation.
	OnConnect func(ctx context.Context, id string) error
	// OnDisconnect runs after every accepted frame has been processed. err is
	// nil after a normal close.
	OnDisconnect func(ctx context.Context, id string, err error)
}

// Server serves a Dispatcher over WebSocket, and over HTTP POST unless
// disabled.
type Server struct {
	d       *jsonrpc.Dispatcher
	hub     *Hub
	logger  *zap.Logger
	metrics *jsonrpc.Metrics
	hooks   Hooks

	ordering       jsonrpc.Ordering
	maxInFlight    int
	readLimit      int64
	writeTimeout   time.Duration
	pingInterval   time.Duration
	originPatterns []string
	httpPost       bool
	processors     []endpoint.Processor

	handler        http.Handler
	binaryRejected []byte
}

// Option configures a Server.
type Option func(*Server)

// WithOrdering sets the ordering of every connection. The default is
// Unordered.
func WithOrdering(o jsonrpc.Ordering) Option {
	return func(s *Server) { s.ordering = o }
}

// WithMaxInFlight bounds concurrent frames per connection.
func WithMaxInFlight(n int) Option {
	return func(s *Server) { s.maxInFlight = n }
}

// WithReadLimit sets the largest accepted frame, in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithWriteTimeout bounds each frame write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithPingInterval pings idle clients every d and drops those that do not
// answer within d. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithOriginPatterns allows cross-origin upgrades from hosts matching the
// patterns. Same-origin requests are always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithHTTPPost enables or disables the HTTP POST transport.
func WithHTTPPost(enabled bool) Option {
	return func(s *Server) { s.httpPost = enabled }
}

// WithProcessors runs processors, such as session and auth, before the
// upgrade. Their context values reach every handler of the connection.
func WithProcessors(processors ...endpoint.Processor) Option {
	return func(s *Server) { s.processors = append(s.processors, processors...) }
}

// WithHooks sets the connection hooks.
func WithHooks(h Hooks) Option {
	return func(s *Server) { s.hooks = h }
}

// WithHub shares hub with the server, so that handlers can reach other
// connections.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics records the open connections gauge.
func WithMetrics(m *jsonrpc.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server for d.
func NewServer(d *jsonrpc.Dispatcher, opts ...Option) *Server {
	s := &Server{
		d:            d,
		logger:       zap.NewNop(),
		maxInFlight:  jsonrpc.DefaultMaxInFlight,
		readLimit:    DefaultReadLimit,
		writeTimeout: DefaultWriteTimeout,
		httpPost:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	s.binaryRejected, _ = jsonrpc.Encode(&jsonrpc.Response{
		Version: jsonrpc.Version2,
		Error:   jsonrpc.NewInvalidRequestError("binary frames are not supported"),
	})
	s.handler = endpoint.Handler(s.endpoint, s.processors...).WithLogger(s.logger)
	return s
}

// Hub returns the hub of the server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close closes every connection. Handlers in flight run to completion.
func (s *Server) Close() error {
	return s.hub.Close()
}

func (s *Server) endpoint(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return endpoint.RendererFunc(s.upgrade), nil
	}
	if r.Method == http.MethodPost && s.httpPost {
		return s.post(r)
	}
	if s.httpPost {
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodPost)
	} else {
		w.Header().Set("Allow", http.MethodGet)
	}
	return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
}

// post handles one frame sent as an HTTP request body.
func (s *Server) post(r *http.Request) (endpoint.Renderer, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.readLimit+1))
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "", err)
	}
	if int64(len(body)) > s.readLimit {
		return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	out, err := s.d.HandleFrame(r.Context(), body)
	if err != nil {
		s.logger.Error("dispatch fault", zap.Error(err))
	}
	if out == nil {
		return &endpoint.NoContentRenderer{}, nil
	}
	return &endpoint.BytesRenderer{Body: out, ContentType: "application/json"}, nil
}

// upgrade runs after the processors' deferred hooks, so headers they set,
// such as the session cookie, are part of the handshake response.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) error {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		// Accept has written the HTTP error.
		s.logger.Debug("upgrade failed", zap.Error(err))
		return nil
	}
	s.serveConn(r.Context(), ws)
	return nil
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(s.readLimit)
	conn := newConn(uuid.NewString(), ws, s.writeTimeout)
	logger := s.logger.With(zap.String("conn", conn.id))

	ctx, cancel := context.WithCancel(withConnID(ctx, conn.id))
	defer cancel()

	s.hub.add(conn)
	if s.hooks.OnConnect != nil {
		if err := s.hooks.OnConnect(ctx, conn.id); err != nil {
			logger.Debug("connection refused", zap.Error(err))
			s.hub.remove(conn.id)
			_ = ws.Close(websocket.StatusPolicyViolation, "connection refused")
			return
		}
	}
	s.metrics.ConnectionOpened()
	logger.Debug("connected", zap.Stringer("ordering", s.ordering))

	ctrl := jsonrpc.NewController(s.d, s.ordering, conn.Send,
		jsonrpc.WithMaxInFlight(s.maxInFlight),
		jsonrpc.WithControllerLogger(logger))
	err := s.serveFrames(ctx, conn, ctrl)
	if isClosed(err) {
		err = nil
	}
	ctrl.Close()

	s.hub.remove(conn.id)
	s.metrics.ConnectionClosed()
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(ctx, conn.id, err)
	}
	logger.Debug("disconnected", zap.Error(err))
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// serveFrames reads frames into ctrl until the connection fails. Handlers get
// ctx, which stays live until every accepted frame is processed.
func (s *Server) serveFrames(ctx context.Context, conn *Conn, ctrl *jsonrpc.Controller) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			typ, data, err := conn.ws.Read(gctx)
			if err != nil {
				return err
			}
			if typ != websocket.MessageText {
				if err := conn.Send(ctx, s.binaryRejected); err != nil {
					return err
				}
				continue
			}
			if err := ctrl.Accept(ctx, data); err != nil {
				return err
			}
		}
	})
	if s.pingInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(s.pingInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
				pctx, cancel := context.WithTimeout(gctx, s.pingInterval)
				err := conn.ws.Ping(pctx)
				cancel()
				if err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
