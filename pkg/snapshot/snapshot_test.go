package snapshot

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapcache/snapcache/pkg/replay"
)

func TestCaptureRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=ISO-8859-1")
		w.Header().Add("X-Multi", "one")
		w.Header().Add("X-Multi", "two")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus := res.Status
	wantProto := res.Proto
	wantHeader := res.Header.Clone()
	wantLength := res.ContentLength

	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Method != http.MethodGet || decoded.URL != srv.URL {
		t.Fatalf("Decoded identity is %s %s", decoded.Method, decoded.URL)
	}
	if decoded.Encoding != "iso-8859-1" {
		t.Fatalf("Decoded encoding is %q", decoded.Encoding)
	}
	if decoded.ContentLength != wantLength {
		t.Fatalf("Decoded content length is %d, want %d", decoded.ContentLength, wantLength)
	}
	if !decoded.CreatedAt.Equal(snap.CreatedAt) || !decoded.LastUsed.Equal(snap.LastUsed) {
		t.Fatal("Timestamps changed across the round trip")
	}
	if decoded.Expires != snap.Expires {
		t.Fatalf("Expiry changed across the round trip: %q vs %q", decoded.Expires, snap.Expires)
	}

	re, err := decoded.Response(nil)
	if err != nil {
		t.Fatal(err)
	}
	if re.StatusCode != http.StatusTeapot || re.Status != wantStatus || re.Proto != wantProto {
		t.Fatalf("Rehydrated status line is %s %s", re.Proto, re.Status)
	}
	if !reflect.DeepEqual(re.Header, wantHeader) {
		t.Fatalf("Rehydrated headers differ:\ngot  %v\nwant %v", re.Header, wantHeader)
	}
	if re.ContentLength != wantLength {
		t.Fatalf("Rehydrated content length is %d", re.ContentLength)
	}
	body, err := io.ReadAll(re.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "short and stout" {
		t.Fatalf("Rehydrated body is %q", body)
	}
	if re.Request == nil || re.Request.URL.String() != srv.URL {
		t.Fatal("Rehydrated response has no derived request")
	}
}

func TestCaptureFreezesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Expires != "" || snap.Expired() {
		t.Fatalf("Snapshot with zero expiry should never expire, got %q", snap.Expires)
	}

	// the live response now replays the captured body
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Fatalf("Frozen body read %q", body)
	}
	rr, ok := res.Body.(*replay.Reader)
	if !ok {
		t.Fatalf("Frozen body is %T", res.Body)
	}
	rr.Reset()
	again, _ := io.ReadAll(rr)
	if string(again) != "hello" {
		t.Fatalf("Frozen body replayed %q", again)
	}
}

func TestRehydratedResponsesAreIndependent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}

	first, err := decoded.Response(nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := decoded.Response(nil)
	if err != nil {
		t.Fatal(err)
	}

	first.Header.Set("X-Mutation", "yes")
	if second.Header.Get("X-Mutation") != "" {
		t.Fatal("Header mutation leaked between rehydrated responses")
	}
	if b, _ := io.ReadAll(first.Body); string(b) != "payload" {
		t.Fatalf("First body is %q", b)
	}
	if b, _ := io.ReadAll(second.Body); string(b) != "payload" {
		t.Fatalf("Second body is %q", b)
	}

	third, err := decoded.Response(nil)
	if err != nil {
		t.Fatal(err)
	}
	if third.Header.Get("X-Mutation") != "" {
		t.Fatal("Header mutation leaked into the snapshot")
	}
}

func TestExpired(t *testing.T) {
	cases := []struct {
		name    string
		expires string
		want    bool
	}{
		{"never", "", false},
		{"future", time.Now().Add(time.Hour).Format(time.RFC3339Nano), false},
		{"past", time.Now().Add(-time.Hour).Format(time.RFC3339Nano), true},
		{"damaged", "yesterday-ish", true},
		{"truncated", "2023-01-0", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := &Snapshot{Expires: c.expires}
			if s.Expired() != c.want {
				t.Fatalf("Expired() = %v for expiry %q", !c.want, c.expires)
			}
		})
	}
}

func TestExpiryIsMonotone(t *testing.T) {
	s := &Snapshot{Expires: time.Now().Add(-time.Minute).Format(time.RFC3339Nano)}
	if !s.Expired() {
		t.Fatal("Snapshot should be expired")
	}
	s.Touch()
	if !s.Expired() {
		t.Fatal("Touch resurrected an expired snapshot")
	}
	if s.ExpiresAt().IsZero() {
		t.Fatal("ExpiresAt lost a parseable expiry")
	}
}

func TestRedirectHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/second", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/first")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if len(snap.History) != 2 {
		t.Fatalf("History has %d entries", len(snap.History))
	}
	if !strings.HasSuffix(snap.History[0].URL, "/first") {
		t.Fatalf("Oldest history entry is for %s", snap.History[0].URL)
	}
	if !strings.HasSuffix(snap.History[1].URL, "/second") {
		t.Fatalf("Second history entry is for %s", snap.History[1].URL)
	}
	if len(snap.History[0].History) != 0 {
		t.Fatal("History entries should not nest")
	}

	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	re, err := decoded.Response(nil)
	if err != nil {
		t.Fatal(err)
	}
	if b, _ := io.ReadAll(re.Body); string(b) != "landed" {
		t.Fatalf("Final body is %q", b)
	}
	if !strings.HasSuffix(re.Request.URL.String(), "/final") {
		t.Fatalf("Final request is for %s", re.Request.URL)
	}

	hop := re.Request.Response
	if hop == nil || hop.StatusCode != http.StatusFound {
		t.Fatalf("Newest hop is %+v", hop)
	}
	if !strings.HasSuffix(hop.Request.URL.String(), "/second") {
		t.Fatalf("Newest hop request is %s", hop.Request.URL)
	}
	oldest := hop.Request.Response
	if oldest == nil || oldest.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("Oldest hop is %+v", oldest)
	}
	if oldest.Request.Response != nil {
		t.Fatal("Redirect chain should end at the first request")
	}

	// A caller-supplied request names the first hop, so it belongs at
	// the bottom of the chain while the final response keeps reporting
	// the URL it landed on.
	orig, err := http.NewRequest(http.MethodGet, srv.URL+"/first", nil)
	if err != nil {
		t.Fatal(err)
	}
	re, err = decoded.Response(orig)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(re.Request.URL.String(), "/final") {
		t.Fatalf("Final request is for %s", re.Request.URL)
	}
	if re.Request.Response.Request.Response.Request != orig {
		t.Fatal("Supplied request should sit on the oldest hop")
	}
}

func TestCaptureDrainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("Capture should fail when the body cannot be drained")
	}
	if snap != nil {
		t.Fatal("Failed capture should not produce a snapshot")
	}

	// the partial payload is still served, followed by the read error
	got, readErr := io.ReadAll(res.Body)
	if string(got) != "0123456789" {
		t.Fatalf("Partial body is %q", got)
	}
	if readErr == nil {
		t.Fatal("Reading past the partial payload should surface the drain error")
	}
}

func TestConcurrentRehydration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 4096))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}

	want := bytes.Repeat([]byte("x"), 4096)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		chunked := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			re, err := decoded.Response(nil)
			if err != nil {
				t.Error(err)
				return
			}
			var got []byte
			if chunked {
				buf := make([]byte, 512)
				for {
					n, err := re.Body.Read(buf)
					got = append(got, buf[:n]...)
					if err == io.EOF {
						break
					}
					if err != nil {
						t.Error(err)
						return
					}
				}
			} else {
				got, err = io.ReadAll(re.Body)
				if err != nil {
					t.Error(err)
					return
				}
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Read %d bytes through a concurrent rehydration", len(got))
			}
		}()
	}
	wg.Wait()
}

func TestEncodeNotCaptured(t *testing.T) {
	if _, err := (&Snapshot{}).Encode(); !errors.Is(err, ErrNotCaptured) {
		t.Fatalf("Encode returned %v", err)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	if _, err := Decode([]byte("definitely not an envelope")); err == nil {
		t.Fatal("Decode should fail on garbage")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Capture(res, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	snap.Head = []byte("HTTP/banana nope\r\n\r\n")
	encoded, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(encoded); err == nil {
		t.Fatal("Decode should fail on a damaged head block")
	}
}
