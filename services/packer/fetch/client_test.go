// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		fastRetry(),
	}
	client, err := NewClient(append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func fastRetry() ClientOption {
	return func(o *ClientOptions) {
		o.RetryBackoff = time.Millisecond
	}
}

func TestFetch_ReturnsSourceUnit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`var a = 1;`))
	}))
	defer srv.Close()

	unit, err := testClient(t).Fetch(context.Background(), srv.URL+"/a.js")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/a.js", unit.URL)
	assert.Equal(t, "var a = 1;", unit.Text())
}

func TestGet_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testClient(t, WithMaxRetries(3)).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestGet_NoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t, WithMaxRetries(3)).Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 1, calls.Load(), "4xx responses must not be retried")
}

func TestGet_RetriesRateLimitStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := testClient(t).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGet_Blacklist(t *testing.T) {
	client := testClient(t, WithBlacklist([]string{"google.com"}))

	_, err := client.Get(context.Background(), "https://google.com/x.js")
	assert.ErrorIs(t, err, ErrBlacklisted)

	_, err = client.Get(context.Background(), "https://stats.google.com/x.js")
	assert.ErrorIs(t, err, ErrBlacklisted, "subdomains must match the blacklist")

	assert.False(t, client.blacklisted("notgoogle.com"),
		"suffix matching must respect label boundaries")
}

func TestGet_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := testClient(t, WithMaxBodyBytes(1024)).Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestGet_SendsConfiguredHeaders(t *testing.T) {
	var gotCookie, gotAgent, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotAgent = r.Header.Get("User-Agent")
		gotExtra = r.Header.Get("X-Scan-Run")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := testClient(t,
		WithCookie("session=abc"),
		WithHeaders(map[string]string{"X-Scan-Run": "test"}),
	)
	_, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "session=abc", gotCookie)
	assert.Equal(t, "test", gotExtra)
	assert.NotEmpty(t, gotAgent)
}

func TestGet_RotatesUserAgents(t *testing.T) {
	agents := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents[r.Header.Get("User-Agent")] = true
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := testClient(t, WithUserAgents([]string{"ua-1", "ua-2"}))
	for i := 0; i < 4; i++ {
		_, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.Len(t, agents, 2, "both user agents must be used")
}

func TestNewClient_RejectsBadProxy(t *testing.T) {
	_, err := NewClient(WithProxy("://bad"))
	require.Error(t, err)
}
