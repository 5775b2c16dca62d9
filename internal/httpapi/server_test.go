package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/pzread/flux/internal/core"
	"github.com/pzread/flux/internal/observability"
	"github.com/pzread/flux/internal/ratelimit"
)

var flowIDRegexp = regexp.MustCompile(`^[a-f0-9]{32}$`)
var tokenRegexp = regexp.MustCompile(`^[a-f0-9]{64}$`)

func newTestServer(t *testing.T, capacity int, idleTimeout time.Duration) (*httptest.Server, *core.Pool) {
	t.Helper()
	pool := core.NewPool(core.PoolConfig{
		Capacity:     capacity,
		IdleTimeout:  idleTimeout,
		MetaCapacity: 1 << 20,
		DataCapacity: 1 << 20,
		ReapInterval: 5 * time.Millisecond,
	})
	t.Cleanup(pool.Shutdown)

	authorizer, err := core.NewAuthorizer()
	if err != nil {
		t.Fatalf("NewAuthorizer failed: %v", err)
	}
	logger := observability.NewLogger("fluxrelay-test", "test", io.Discard)
	metrics := observability.NewMetrics()
	limiter := ratelimit.NewTokenBucket(1e6, 1e6)

	facade := NewServer(pool, authorizer, limiter, logger, metrics)
	srv := httptest.NewServer(facade.Router())
	t.Cleanup(srv.Close)
	return srv, pool
}

func createFlow(t *testing.T, base string, body string) (id, token string, status int) {
	t.Helper()
	resp, err := http.Post(base+"/new", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /new failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", resp.StatusCode
	}
	var parsed struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode /new response: %v", err)
	}
	return parsed.ID, parsed.Token, resp.StatusCode
}

func TestS1_CreateAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)

	id, token, status := createFlow(t, srv.URL, "{}")
	if status != http.StatusOK {
		t.Fatalf("CREATE status = %d, want 200", status)
	}
	if !flowIDRegexp.MatchString(id) {
		t.Errorf("id %q does not match flow id pattern", id)
	}
	if !tokenRegexp.MatchString(token) {
		t.Errorf("token %q does not match token pattern", token)
	}

	resp, err := http.Post(srv.URL+"/flow/"+id+"/status", "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("STATUS request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("STATUS status = %d, want 200", resp.StatusCode)
	}
	var st struct {
		Tail uint64 `json:"tail"`
		Next uint64 `json:"next"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&st)
	if st.Tail != 0 || st.Next != 0 {
		t.Errorf("STATUS = %+v, want tail=0 next=0", st)
	}
}

func pushBody(t *testing.T, base, id, token, payload string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, base+"/flow/"+id+"/push?token="+token, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("build push request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("push request failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func fetchChunk(t *testing.T, base, id string, index int) (int, []byte) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/flow/%s/fetch/%d", base, id, index))
	if err != nil {
		t.Fatalf("fetch request failed: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestS2_PushFetchOrdering(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)
	id, token, _ := createFlow(t, srv.URL, "{}")

	first := "The quick brown fox jumps\nover the lazy dog"
	second := "The guick yellow fox jumps\nover the fast cat"

	if status := pushBody(t, srv.URL, id, token, first); status != http.StatusOK {
		t.Fatalf("first push status = %d, want 200", status)
	}
	if status := pushBody(t, srv.URL, id, token, second); status != http.StatusOK {
		t.Fatalf("second push status = %d, want 200", status)
	}

	if status, body := fetchChunk(t, srv.URL, id, 0); status != http.StatusOK || string(body) != first {
		t.Fatalf("fetch(0) = %d %q, want 200 %q", status, body, first)
	}
	if status, body := fetchChunk(t, srv.URL, id, 1); status != http.StatusOK || string(body) != second {
		t.Fatalf("fetch(1) = %d %q, want 200 %q", status, body, second)
	}
	if status, _ := fetchChunk(t, srv.URL, "deadbeefdeadbeefdeadbeefdeadbeef", 0); status != http.StatusNotFound {
		t.Fatalf("fetch on unknown id = %d, want 404", status)
	}

	resp, err := http.Get(srv.URL + "/flow/" + id + "/fetch/abc")
	if err != nil {
		t.Fatalf("fetch with non-numeric index failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("fetch with non-numeric index = %d, want 400", resp.StatusCode)
	}
}

func TestS3_FixedLength(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)
	id, token, status := createFlow(t, srv.URL, `{"size":5}`)
	if status != http.StatusOK {
		t.Fatalf("CREATE status = %d, want 200", status)
	}

	if s := pushBody(t, srv.URL, id, token, "Hel"); s != http.StatusOK {
		t.Fatalf(`push "Hel" = %d, want 200`, s)
	}
	if s := pushBody(t, srv.URL, id, token, "World"); s != http.StatusBadRequest {
		t.Fatalf(`push "World" (overrun) = %d, want 400`, s)
	}
	if s := pushBody(t, srv.URL, id, token, "lo"); s != http.StatusOK {
		t.Fatalf(`push "lo" (completes) = %d, want 200`, s)
	}
	if s := pushBody(t, srv.URL, id, token, "x"); s != http.StatusBadRequest {
		t.Fatalf("push after implicit close = %d, want 400", s)
	}

	resp, err := http.Post(srv.URL+"/flow/"+id+"/eof?token="+token, "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("explicit close failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("explicit close on implicitly-closed flow = %d, want 400", resp.StatusCode)
	}

	pullResp, err := http.Get(srv.URL + "/flow/" + id + "/pull")
	if err != nil {
		t.Fatalf("PULL failed: %v", err)
	}
	defer pullResp.Body.Close()
	if pullResp.StatusCode != http.StatusOK {
		t.Fatalf("PULL status = %d, want 200", pullResp.StatusCode)
	}
	if cl := pullResp.Header.Get("Content-Length"); cl != "5" {
		t.Errorf("Content-Length = %q, want 5", cl)
	}
	body, _ := io.ReadAll(pullResp.Body)
	if string(body) != "Hello" {
		t.Errorf("PULL body = %q, want Hello", body)
	}
}

func TestS4_KeepcountDrop(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)
	id, token, _ := createFlow(t, srv.URL, "{}")

	if s := pushBody(t, srv.URL, id, token, "A"); s != http.StatusOK {
		t.Fatalf("push A = %d, want 200", s)
	}
	if s := pushBody(t, srv.URL, id, token, "B"); s != http.StatusOK {
		t.Fatalf("push B = %d, want 200", s)
	}
	resp, err := http.Post(srv.URL+"/flow/"+id+"/eof?token="+token, "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	resp.Body.Close()

	if status, body := fetchChunk(t, srv.URL, id, 0); status != http.StatusOK || string(body) != "A" {
		t.Fatalf("first fetch(0) = %d %q, want 200 A", status, body)
	}
	if status, _ := fetchChunk(t, srv.URL, id, 0); status != http.StatusNotFound {
		t.Fatalf("second fetch(0) = %d, want 404 (Dropped)", status)
	}

	pullResp, err := http.Get(srv.URL + "/flow/" + id + "/pull")
	if err != nil {
		t.Fatalf("PULL failed: %v", err)
	}
	defer pullResp.Body.Close()
	body, _ := io.ReadAll(pullResp.Body)
	if string(body) != "B" {
		t.Fatalf("PULL from scratch = %q, want B", body)
	}
}

func TestS5_AuthRejection(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)
	id, token, _ := createFlow(t, srv.URL, "{}")

	if s := pushBody(t, srv.URL, id, "not-hex", "x"); s != http.StatusNotFound {
		t.Errorf("malformed token push = %d, want 404", s)
	}
	wrongToken := "0" + token[1:]
	if wrongToken == token {
		wrongToken = "1" + token[1:]
	}
	if s := pushBody(t, srv.URL, id, wrongToken, "x"); s != http.StatusNotFound {
		t.Errorf("wrong token push = %d, want 404", s)
	}
	if s := pushBody(t, srv.URL, "deadbeefdeadbeefdeadbeefdeadbeef", token, "x"); s != http.StatusNotFound {
		t.Errorf("unknown id push = %d, want 404", s)
	}
}

func TestS6_OverloadThenRecovery(t *testing.T) {
	srv, _ := newTestServer(t, 1, 30*time.Millisecond)

	_, _, status := createFlow(t, srv.URL, "{}")
	if status != http.StatusOK {
		t.Fatalf("first CREATE = %d, want 200", status)
	}
	_, _, status = createFlow(t, srv.URL, "{}")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("CREATE over capacity = %d, want 503", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, status = createFlow(t, srv.URL, "{}")
		if status == http.StatusOK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("CREATE never recovered after idle_timeout; last status = %d", status)
}

func TestS7_RouteHygiene(t *testing.T) {
	srv, _ := newTestServer(t, 0, time.Hour)
	id, _, _ := createFlow(t, srv.URL, "{}")

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/neo", http.StatusNotFound},
		{http.MethodPost, "/new/../new", http.StatusNotFound},
		{http.MethodPost, "//new", http.StatusNotFound},
		{http.MethodPost, "/new/", http.StatusNotFound},
		{http.MethodPost, "/flow/" + id + "/pusha", http.StatusNotFound},
		{http.MethodGet, "/flow/" + id + "/pullb", http.StatusNotFound},
		{http.MethodPut, "/new", http.StatusNotFound},
		{http.MethodPatch, "/new", http.StatusMethodNotAllowed},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
			}
		})
	}
}
