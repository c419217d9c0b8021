package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu      sync.Mutex
	failN   int
	calls   int
	objects map[string][]byte
	block   chan struct{}
}

func (f *fakeUploader) Put(_ context.Context, key string, body []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return errors.New("transient")
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = body
	return nil
}

func noBackoff(m *Mirror) *Mirror {
	m.backoff = func(int) time.Duration { return 0 }
	return m
}

func TestUploadsLatestAndHistoryKeys(t *testing.T) {
	up := &fakeUploader{}
	m := noBackoff(New(up, Config{Prefix: "/workspaces/main/"}))
	at := time.UnixMilli(1_700_000_000_123)
	m.Enqueue(at, []byte("snap"))
	m.Close()

	if string(up.objects["workspaces/main/latest.snap.zst"]) != "snap" {
		t.Fatalf("latest missing: %v", up.objects)
	}
	if string(up.objects["workspaces/main/1700000000123.snap.zst"]) != "snap" {
		t.Fatalf("history missing: %v", up.objects)
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.EnqueuedTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

// slowLatest delays the latest-key write of one particular body.
type slowLatest struct {
	fakeUploader
	slowBody string
	delay    time.Duration
}

func (s *slowLatest) Put(ctx context.Context, key string, body []byte) error {
	if strings.HasSuffix(key, "latest.snap.zst") && string(body) == s.slowBody {
		time.Sleep(s.delay)
	}
	return s.fakeUploader.Put(ctx, key, body)
}

func TestLatestNeverMovesBackwards(t *testing.T) {
	up := &slowLatest{slowBody: "old", delay: 100 * time.Millisecond}
	m := noBackoff(New(up, Config{Workers: 2}))
	base := time.UnixMilli(1_700_000_000_000)
	m.Enqueue(base, []byte("old"))
	m.Enqueue(base.Add(time.Second), []byte("new"))
	m.Close()

	if got := string(up.objects["latest.snap.zst"]); got != "new" {
		t.Fatalf("latest = %q, want new", got)
	}
	if string(up.objects["1700000000000.snap.zst"]) != "old" || string(up.objects["1700000001000.snap.zst"]) != "new" {
		t.Fatalf("history keys: %v", up.objects)
	}
	if st := m.Stats(); st.UploadSuccessTotal != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	up := &fakeUploader{failN: 2}
	var results []string
	m := noBackoff(New(up, Config{OnResult: func(r string) { results = append(results, r) }}))
	m.Enqueue(time.Now(), []byte("x"))
	m.Close()
	if m.Stats().UploadSuccessTotal != 1 {
		t.Fatalf("stats: %+v", m.Stats())
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Fatalf("results: %v", results)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	up := &fakeUploader{failN: 100}
	m := noBackoff(New(up, Config{}))
	m.Enqueue(time.Now(), []byte("x"))
	m.Close()
	st := m.Stats()
	if st.UploadFailTotal != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("stats: %+v", st)
	}
	if up.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", up.calls)
	}
}

func TestDropsWhenSaturated(t *testing.T) {
	up := &fakeUploader{block: make(chan struct{})}
	m := noBackoff(New(up, Config{Workers: 1, QueueCapacity: 1, EnqueueWait: 5 * time.Millisecond}))
	for i := 0; i < 5; i++ {
		m.Enqueue(time.Now(), []byte("x"))
	}
	close(up.block)
	m.Close()
	st := m.Stats()
	if st.DroppedTotal == 0 || st.QueueSaturatedTotal == 0 {
		t.Fatalf("expected drops, stats: %+v", st)
	}
	if st.EnqueuedTotal != 5 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestNilMirrorIsInert(t *testing.T) {
	var m *Mirror
	m.Enqueue(time.Now(), nil)
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("expected zero stats")
	}
}

// fakeS3 answers PutObject requests in path-style addressing.
type fakeS3 struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.puts[strings.TrimPrefix(req.URL.Path, "/")] = body
	f.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"Etag": {"\"etag\""}}}, nil
}

func TestS3UploaderPathStyle(t *testing.T) {
	rt := &fakeS3{puts: map[string][]byte{}}
	up, err := NewS3(context.Background(), S3Config{
		Bucket:          "momo",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m := noBackoff(New(up, Config{Prefix: "ws"}))
	m.Enqueue(time.UnixMilli(42), []byte("payload-bytes"))
	m.Close()

	if m.Stats().UploadSuccessTotal != 1 {
		t.Fatalf("stats: %+v", m.Stats())
	}
	for _, key := range []string{"momo/ws/latest.snap.zst", "momo/ws/42.snap.zst"} {
		body, ok := rt.puts[key]
		if !ok {
			t.Fatalf("missing %s in %v", key, rt.puts)
		}
		if !bytes.Contains(body, []byte("payload-bytes")) {
			t.Fatalf("%s body: %q", key, body)
		}
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
