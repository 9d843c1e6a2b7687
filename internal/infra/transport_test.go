package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

func TestHTTPTransport_Send(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantErr     error
		wantPermErr bool
	}{
		{name: "200 delivers", status: http.StatusOK},
		{name: "202 delivers", status: http.StatusAccepted},
		{name: "500 is transient", status: http.StatusInternalServerError, wantErr: domain.ErrDelivery},
		{name: "503 is transient", status: http.StatusServiceUnavailable, wantErr: domain.ErrDelivery},
		{name: "408 is transient", status: http.StatusRequestTimeout, wantErr: domain.ErrDelivery},
		{name: "429 is transient", status: http.StatusTooManyRequests, wantErr: domain.ErrDelivery},
		{name: "400 is permanent", status: http.StatusBadRequest, wantErr: domain.ErrPermanentDelivery, wantPermErr: true},
		{name: "413 is permanent", status: http.StatusRequestEntityTooLarge, wantErr: domain.ErrPermanentDelivery, wantPermErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(srv.URL, "", "demo", time.Second)
			err := tr.Send(context.Background(), domain.Report{ID: "r1", Payload: []byte(`{}`)})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			if !tt.wantPermErr {
				assert.NotErrorIs(t, err, domain.ErrPermanentDelivery)
			}
		})
	}
}

func TestHTTPTransport_RequestShape(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "secret", "demo", time.Second)
	report := domain.Report{
		ID:         "0190-abc",
		AppVersion: "1.2.3",
		Attempts:   2,
		Payload:    []byte(`{"message":"boom"}`),
	}
	require.NoError(t, tr.Send(context.Background(), report))

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "secret", gotHeader.Get(apiKeyHeader))
	assert.Equal(t, "0190-abc", gotHeader.Get(idempotencyKeyHeader))
	assert.Equal(t, "demo", gotBody["app_name"])
	assert.Equal(t, "1.2.3", gotBody["app_version"])
	assert.Equal(t, float64(2), gotBody["attempt"])
	assert.Equal(t, map[string]any{"message": "boom"}, gotBody["payload"])
}

func TestHTTPTransport_NonJSONPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "", "demo", time.Second)
	require.NoError(t, tr.Send(context.Background(), domain.Report{ID: "r", Payload: []byte("goroutine 1 [running]")}))
	assert.Equal(t, "goroutine 1 [running]", gotBody["payload_text"])
	assert.NotContains(t, gotBody, "payload")
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(url, "", "demo", time.Second)
	err := tr.Send(context.Background(), domain.Report{ID: "r"})
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := NewHTTPTransport(srv.URL, "", "demo", 5*time.Second)
	err := tr.Send(ctx, domain.Report{ID: "r"})
	assert.ErrorIs(t, err, domain.ErrDelivery)
}
