package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

func TestSSEStreamParsesEvents(t *testing.T) {
	var gotQuery, gotLastID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotLastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: connected\ndata: {\"mode\":\"paper\"}\n\n")
		fmt.Fprint(w, "event: signal\nid: 7\ndata: {\"id\":\"s1\"}\n\n")
		fmt.Fprint(w, "data: {\"a\":\ndata: 1}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	d := NewSSEDialer(Config{BaseURL: srv.URL})
	p := Params{
		Path:        "/v1/signals/stream",
		Query:       domain.SignalsQuery{Mode: domain.ModePaper, Pair: "BTC/USD"},
		LastEventID: "6",
	}
	ctx := context.Background()
	s, err := d.Dial(ctx, p)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "mode=paper&pair=BTC%2FUSD", gotQuery)
	assert.Equal(t, "6", gotLastID)

	e, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventHeartbeat, e.Type)

	e, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventConnected, e.Type)
	assert.True(t, e.IsControl())

	e, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "signal", e.Type)
	assert.Equal(t, "7", e.ID)
	assert.JSONEq(t, `{"id":"s1"}`, string(e.Data))
	assert.False(t, e.IsControl())

	e, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, e.Type)
	assert.JSONEq(t, `{"a":1}`, string(e.Data))

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, ErrRemoteClosed)
}

func TestSSEDialRejectsBadHandshake(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
			},
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, "[]")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewSSEDialer(Config{BaseURL: srv.URL}).Dial(context.Background(), Params{Path: "/v1/signals/stream"})
			assert.Error(t, err)
		})
	}
}

func TestSSERecvStopsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewSSEDialer(Config{BaseURL: srv.URL}).Dial(context.Background(), Params{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDialerSelectsTransport(t *testing.T) {
	d, err := NewDialer(Config{BaseURL: "http://localhost"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SSEDialer{}, d)

	d, err = NewDialer(Config{BaseURL: "http://localhost", Transport: "ws"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WSDialer{}, d)

	d, err = NewDialer(Config{BaseURL: "http://localhost", Transport: "poll"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &PollDialer{}, d)

	_, err = NewDialer(Config{BaseURL: "http://localhost", Transport: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	_, err = NewDialer(Config{}, nil)
	assert.Error(t, err)
}
