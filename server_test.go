package cobrowse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/cobrowse/core"
	"pkt.systems/cobrowse/httpapi"
	"pkt.systems/cobrowse/internal/mocksurface"
	"pkt.systems/cobrowse/schema"
)

type recordingObserver struct {
	mu         sync.Mutex
	broadcasts []schema.Event
	sends      map[schema.ClientID][]schema.Event
}

func (r *recordingObserver) Broadcast(event schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, event)
}

func (r *recordingObserver) Send(clientID schema.ClientID, event schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sends == nil {
		r.sends = map[schema.ClientID][]schema.Event{}
	}
	r.sends[clientID] = append(r.sends[clientID], event)
}

func (r *recordingObserver) count() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	for _, events := range r.sends {
		sent += len(events)
	}
	return len(r.broadcasts), sent
}

func TestEventFanoutDeliversToEverySink(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	fanout := newEventFanout([]core.EventSink{a, nil, b})
	fanout.Broadcast(schema.NewPagesInfo(nil))
	fanout.Send("c1", schema.NewTabAdded(true, ""))
	for _, sink := range []*recordingObserver{a, b} {
		if broadcasts, sends := sink.count(); broadcasts != 1 || sends != 1 {
			t.Fatalf("expected one broadcast and one send, got %d and %d", broadcasts, sends)
		}
	}
	if single := newEventFanout([]core.EventSink{nil, a}); single != core.EventSink(a) {
		t.Fatalf("expected a lone sink to be returned as is")
	}
}

func newMockServer(t *testing.T, observers ...core.EventSink) (*compositeServer, *mocksurface.Surface) {
	t.Helper()
	surface := mocksurface.New(mocksurface.Options{Viewport: schema.Viewport{Width: 32, Height: 32}})
	srv, err := New(context.Background(), ServerConfig{
		HTTP:    httpapi.Config{Addr: "127.0.0.1:0"},
		Session: schema.SessionConfig{FrameInterval: 10 * time.Millisecond},
	}, ServerDeps{Surface: surface, Observers: observers})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.(*compositeServer), surface
}

func TestNewRequiresSurface(t *testing.T) {
	if _, err := New(context.Background(), ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatalf("expected missing surface error")
	}
}

func TestNewClosesSurfaceOnSessionFailure(t *testing.T) {
	surface := mocksurface.New(mocksurface.Options{})
	surface.FailNext("ListLivePages", schema.ErrEngineUnavailable)
	if _, err := New(context.Background(), ServerConfig{}, ServerDeps{Surface: surface}); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if _, err := surface.ListLivePages(context.Background()); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected surface closed after failed start, got %v", err)
	}
}

func TestServerLifecycle(t *testing.T) {
	observer := &recordingObserver{}
	srv, surface := newMockServer(t, observer)

	httpSrv := httptest.NewServer(srv.httpSrv.Handler())
	t.Cleanup(httpSrv.Close)
	resp, err := http.Get(httpSrv.URL + "/api/pages")
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	var body struct {
		Pages []schema.PageInfo `json:"pages"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if len(body.Pages) != 1 || body.Pages[0].URL != schema.BlankURL {
		t.Fatalf("expected the initial page, got %+v", body.Pages)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if broadcasts, _ := observer.count(); broadcasts > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the streamer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := surface.ListLivePages(context.Background()); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected surface closed after stop, got %v", err)
	}
}

func TestStopWithoutStartClosesSession(t *testing.T) {
	srv, surface := newMockServer(t)
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected wait before start to fail")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := surface.ListLivePages(context.Background()); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected surface closed, got %v", err)
	}
}
