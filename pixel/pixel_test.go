package pixel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendConversion(t *testing.T) {
	var got payload
	var path, token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		token = r.URL.Query().Get("access_token")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"events_received":1}`))
	}))
	defer srv.Close()

	c := New(Config{GraphURL: srv.URL, PixelID: "px1", AccessToken: "tok"}, srv.Client(), nil)
	ok := c.SendConversion(context.Background(), Conversion{
		EventTime: time.Unix(1700000000, 0),
		Email:     "  John@Example.COM ",
		Phone:     "+1 (555) 010-9999",
		FirstName: "John",
		Value:     1200,
		Currency:  "USD",
		LeadID:    "deal-9",
	})
	require.True(t, ok)

	assert.Equal(t, "/"+DefaultVersion+"/px1/events", path)
	assert.Equal(t, "tok", token)
	require.Len(t, got.Data, 1)
	ev := got.Data[0]
	assert.Equal(t, "Purchase", ev.EventName)
	assert.EqualValues(t, 1700000000, ev.EventTime)
	assert.Equal(t, []string{HashValue("john@example.com")}, ev.UserData.Em)
	assert.Equal(t, []string{HashPhone("15550109999")}, ev.UserData.Ph)
	assert.Empty(t, ev.UserData.Ln)
	assert.Equal(t, 1200.0, ev.CustomData.Value)
	assert.Equal(t, "deal-9", ev.CustomData.LeadID)
}

func TestSendConversion_FailureIsFalseWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{GraphURL: srv.URL, PixelID: "px1", AccessToken: "tok"}, srv.Client(), nil)
	assert.False(t, c.SendConversion(context.Background(), Conversion{Email: "a@b.co"}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDisabled(t *testing.T) {
	c := New(Config{}, nil, nil)
	assert.False(t, c.Enabled())
	assert.False(t, c.SendConversion(context.Background(), Conversion{}))
	assert.False(t, c.TestConnection(context.Background()))
}

func TestForEventType(t *testing.T) {
	tests := []struct {
		eventType string
		name      string
		content   string
		status    string
	}{
		{EventTypeLead, "Lead", "New Lead", "new"},
		{EventTypePurchase, "Purchase", "Lead Converted to Customer", "converted"},
		{"qualified", "Lead", "CRM Lead Update", "qualified"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			conv := ForEventType(tt.eventType, Conversion{LeadID: "L-1", Value: 10})
			assert.Equal(t, tt.name, conv.EventName)
			assert.Equal(t, tt.content, conv.ContentName)
			assert.Equal(t, tt.status, conv.LeadStatus)
			assert.Equal(t, "USD", conv.Currency)
			assert.Equal(t, "L-1", conv.LeadID)

			ev := buildEvent(conv)
			assert.Equal(t, tt.name, ev.EventName)
			assert.Equal(t, tt.status, ev.CustomData.LeadStatus)
			assert.NotEmpty(t, ev.CustomData.ContentCategory)
		})
	}

	assert.Equal(t, "EUR", ForEventType(EventTypePurchase, Conversion{Currency: "EUR"}).Currency)
}

func TestTestConnection(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"valid token", http.StatusOK, true},
		{"rejected token", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/"+DefaultVersion+"/me", r.URL.Path)
				assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"id":"1","name":"app"}`))
			}))
			defer srv.Close()

			c := New(Config{GraphURL: srv.URL, PixelID: "px1", AccessToken: "tok"}, srv.Client(), nil)
			assert.Equal(t, tt.want, c.TestConnection(context.Background()))
		})
	}
}

func TestHashing(t *testing.T) {
	assert.Equal(t, "855f96e983f1f8e8be944692b6f719fd54329826cb62e98015efee8e2e071dd4", HashValue(" John@Example.com"))
	assert.Empty(t, HashValue("   "))
	assert.Equal(t, HashPhone("+7 (900) 123-45-67"), HashPhone("79001234567"))
}
