// ABOUTME: Tests for webhook delivery: HMAC signing, header filtering, status handling.
package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queued/internal/webhook"
)

func buildTestClient() *http.Client {
	// safeurl blocks the loopback addresses httptest listens on.
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestRun_SignsBody(t *testing.T) {
	t.Parallel()
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(webhook.TimestampHeader)
		gotSig = r.Header.Get(webhook.SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	raw, err := json.Marshal(webhook.Payload{URL: srv.URL, Body: json.RawMessage(`{"job":1}`)})
	require.NoError(t, err)
	require.NoError(t, webhook.NewSender(buildTestClient(), "secret").Run(context.Background(), raw))

	assert.JSONEq(t, `{"job":1}`, string(gotBody))
	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), ts, 5)
	assert.Equal(t, webhook.Sign("secret", ts, gotBody), gotSig)
}

func TestSend_UnsignedWithoutSecret(t *testing.T) {
	t.Parallel()
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(webhook.SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, webhook.NewSender(buildTestClient(), "").Send(context.Background(), webhook.Payload{URL: srv.URL}))
	assert.Empty(t, gotSig)
}

func TestSend_Non2xxReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := webhook.NewSender(buildTestClient(), "x").Send(context.Background(), webhook.Payload{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSend_DeniedHeaderStripped(t *testing.T) {
	t.Parallel()
	var gotCT, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := webhook.NewSender(buildTestClient(), "x").Send(context.Background(), webhook.Payload{
		URL:     srv.URL,
		Headers: map[string]string{"Content-Type": "text/plain", "X-Custom": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "ok", gotCustom)
}

func TestSend_RedirectRejected(t *testing.T) {
	t.Parallel()
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()
	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	err := webhook.NewSender(buildTestClient(), "x").Send(context.Background(), webhook.Payload{URL: outer.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}

func TestSend_MissingURL(t *testing.T) {
	t.Parallel()
	err := webhook.NewSender(buildTestClient(), "x").Send(context.Background(), webhook.Payload{})
	assert.ErrorIs(t, err, webhook.ErrMissingURL)
}

func TestSafeClientRejectsLoopback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := webhook.NewSender(webhook.NewSafeClient(time.Second), "").Send(context.Background(), webhook.Payload{URL: srv.URL})
	assert.Error(t, err)
}
