package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"profitpilot/config"
	"profitpilot/internal/logging"
)

const (
	DefaultEndpoint     = "wss://ws.derivws.com/websockets/v3"
	DefaultPingInterval = 30 * time.Second

	authorizeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	tickBuffer       = 256
)

// Tick is one price update for a symbol
type Tick struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
	ID     string  `json:"id,omitempty"`
}

// Time returns the tick time
func (t Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0).UTC()
}

// APIError is an error frame returned by the Deriv API
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	MsgType string `json:"-"`
}

func (e *APIError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("deriv %s error %s: %s", e.MsgType, e.Code, e.Message)
	}
	return fmt.Sprintf("deriv error %s: %s", e.Code, e.Message)
}

// frame is the envelope every API response shares
type frame struct {
	MsgType   string          `json:"msg_type"`
	Error     *APIError       `json:"error,omitempty"`
	Tick      *Tick           `json:"tick,omitempty"`
	Authorize json.RawMessage `json:"authorize,omitempty"`
}

// Client opens tick streams on the Deriv websocket API
type Client struct {
	endpoint     string
	appID        string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	logger       *logging.Logger
}

// NewClient creates a Deriv client
func NewClient(cfg config.DerivConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:     endpoint,
		appID:        cfg.AppID,
		pingInterval: DefaultPingInterval,
		dialer:       websocket.DefaultDialer,
		logger:       logging.WithComponent("deriv"),
	}
}

// SetPingInterval overrides the keepalive interval
func (c *Client) SetPingInterval(d time.Duration) {
	if d > 0 {
		c.pingInterval = d
	}
}

// URL returns the websocket URL including the app id
func (c *Client) URL() string {
	if c.appID == "" {
		return c.endpoint
	}
	sep := "?"
	if strings.Contains(c.endpoint, "?") {
		sep = "&"
	}
	return c.endpoint + sep + "app_id=" + url.QueryEscape(c.appID)
}

// StreamTicks dials the API, authorizes with token when one is given and
// subscribes to ticks for every symbol. Dial, authorize and subscribe failures
// are returned directly. Afterwards ticks arrive on the first channel and
// stream errors on the second; both are closed when ctx is cancelled or the
// connection drops.
func (c *Client) StreamTicks(ctx context.Context, token string, symbols []string) (<-chan Tick, <-chan error, error) {
	if len(symbols) == 0 {
		return nil, nil, errors.New("no symbols to subscribe")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.URL(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("deriv dial: %w", err)
	}

	s := &session{conn: conn, logger: c.logger}

	if token != "" {
		if err := s.authorize(token); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}

	for _, symbol := range symbols {
		if err := s.writeJSON(map[string]interface{}{"ticks": symbol, "subscribe": 1}); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("deriv subscribe %s: %w", symbol, err)
		}
	}

	c.logger.Info("Tick stream opened", "symbols", strings.Join(symbols, ","))

	ticks := make(chan Tick, tickBuffer)
	errs := make(chan error, 16)
	go s.run(ctx, c.pingInterval, ticks, errs)
	return ticks, errs, nil
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *logging.Logger
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) authorize(token string) error {
	if err := s.writeJSON(map[string]string{"authorize": token}); err != nil {
		return fmt.Errorf("deriv authorize: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(authorizeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("deriv authorize: %w", err)
		}
		if f.MsgType != "authorize" {
			continue
		}
		if f.Error != nil {
			f.Error.MsgType = f.MsgType
			return f.Error
		}
		return nil
	}
}

func (s *session) run(ctx context.Context, pingInterval time.Duration, ticks chan<- Tick, errs chan<- error) {
	defer close(ticks)
	defer close(errs)

	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }
	defer stopAll()

	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.writeMu.Lock()
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				s.writeMu.Unlock()
				_ = s.conn.Close()
				return
			case <-stop:
				_ = s.conn.Close()
				return
			case <-t.C:
				if err := s.writeJSON(map[string]int{"ping": 1}); err != nil {
					emitErrNonBlocking(errs, fmt.Errorf("deriv ping: %w", err))
					_ = s.conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				emitErrNonBlocking(errs, fmt.Errorf("deriv read: %w", err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			emitErrNonBlocking(errs, fmt.Errorf("deriv decode: %w", err))
			continue
		}
		if f.Error != nil {
			f.Error.MsgType = f.MsgType
			emitErrNonBlocking(errs, f.Error)
			continue
		}
		if f.MsgType != "tick" || f.Tick == nil {
			continue
		}

		select {
		case ticks <- *f.Tick:
		case <-ctx.Done():
			return
		default:
			s.logger.Warn("Tick dropped, consumer too slow", "symbol", f.Tick.Symbol)
		}
	}
}

func emitErrNonBlocking(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
