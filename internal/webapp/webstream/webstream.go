// Package webstream pushes live device events to websocket clients.
//
// A client subscribes with text messages of the form "ADDSUB imei1,imei2" and
// unsubscribes with "DELSUB imei1". Every event of a subscribed device is sent
// as one JSON text message.
package webstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/avlgate/internal/avl/sublist"
	"nuha.dev/avlgate/internal/util"
)

type WebStreamConfig struct {
	MaxSubscription int
	Buffer          int
}

var errTooManySubscription = errors.New("too many subscription")

type WebstreamServer struct {
	log        log.Logger
	config     WebStreamConfig
	sublistmap *sublist.SublistMap
}

func NewWebstream(sublistmap *sublist.SublistMap, config WebStreamConfig) *WebstreamServer {
	o := &WebstreamServer{config: config, sublistmap: sublistmap}
	if o.config.MaxSubscription <= 0 {
		o.config.MaxSubscription = 20
	}
	if o.config.Buffer <= 0 {
		o.config.Buffer = 64
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	wc := &WebstreamClient{id: util.GenUUID(), srv: ws, c: c, log: ws.log}
	wc.out = make(chan []byte, ws.config.Buffer)
	wc.done = make(chan struct{})
	wc.sublist = make(map[string]bool)
	ws.log.Info().Str("client", wc.id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go wc.writeLoop(ctx)
	err = wc.readLoop(ctx)
	wc.close()
	code := websocket.StatusNormalClosure
	reason := ""
	if errors.Is(err, errTooManySubscription) {
		code = websocket.StatusPolicyViolation
		reason = err.Error()
	}
	c.Close(code, reason)
	ws.log.Info().Str("client", wc.id).Uint64("pushed", atomic.LoadUint64(&wc.pushed)).Uint64("skipped", atomic.LoadUint64(&wc.skipped)).Msg("websocket client disconnected")
}

type WebstreamClient struct {
	id      string
	srv     *WebstreamServer
	c       *websocket.Conn
	log     log.Logger
	lock    sync.Mutex
	closed  bool
	done    chan struct{}
	out     chan []byte
	pushed  uint64
	skipped uint64
	sublist map[string]bool
}

func (wc *WebstreamClient) close() {
	wc.lock.Lock()
	if !wc.closed {
		wc.closed = true
		close(wc.done)
	}
	wc.lock.Unlock()
	for id := range wc.sublist {
		wc.srv.sublistmap.Unsubscribe(id, wc)
	}
}

func (wc *WebstreamClient) readLoop(ctx context.Context) error {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(string(msg)), " ")
		ids := splitIDs(arg)
		switch cmd {
		case "ADDSUB":
			wc.log.Debug().Str("client", wc.id).Strs("addsub", ids).Msg("receive add subscription message")
			for _, id := range ids {
				if _, ok := wc.sublist[id]; ok {
					continue
				}
				if len(wc.sublist) >= wc.srv.config.MaxSubscription {
					wc.log.Warn().Str("client", wc.id).Int("max", wc.srv.config.MaxSubscription).Msg("subscription limit reached")
					return errTooManySubscription
				}
				wc.srv.sublistmap.Subscribe(id, wc)
				wc.sublist[id] = true
			}
		case "DELSUB":
			wc.log.Debug().Str("client", wc.id).Strs("delsub", ids).Msg("receive delete subscription message")
			for _, id := range ids {
				if wc.sublist[id] {
					wc.srv.sublistmap.Unsubscribe(id, wc)
					delete(wc.sublist, id)
				}
			}
		default:
			wc.log.Warn().Str("client", wc.id).Str("cmd", cmd).Msg("unknown command")
		}
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-wc.done:
			return
		case <-ctx.Done():
			return
		case d := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.log.Error().Err(err).Str("client", wc.id).Msg("error while writing to connection")
				wc.c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Push queues d without blocking, a slow client skips messages.
func (wc *WebstreamClient) Push(key string, d []byte) bool {
	wc.lock.Lock()
	defer wc.lock.Unlock()
	if wc.closed {
		return true
	}
	select {
	case wc.out <- d:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
	return false
}
