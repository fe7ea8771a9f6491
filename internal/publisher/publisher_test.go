package publisher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"autopost/internal/content"
	"autopost/internal/eventbus"
	"autopost/internal/storage"
	"autopost/internal/xapi"
	logx "autopost/pkg/logx"
)

type publishCall struct {
	text     string
	mediaIDs []string
}

// fakeClient scripts the API client per call.
type fakeClient struct {
	publishFn func(text string, mediaIDs []string) (string, error)
	uploadFn  func(path string) (string, error)
	metricsFn func(externalID string) (xapi.Metrics, bool)

	published []publishCall
}

func (f *fakeClient) Publish(_ context.Context, text string, mediaIDs []string) (string, error) {
	f.published = append(f.published, publishCall{text: text, mediaIDs: mediaIDs})
	if f.publishFn != nil {
		return f.publishFn(text, mediaIDs)
	}
	return "ext-1", nil
}

func (f *fakeClient) UploadMedia(_ context.Context, path string) (string, error) {
	if f.uploadFn != nil {
		return f.uploadFn(path)
	}
	return "media-1", nil
}

func (f *fakeClient) FetchMetrics(_ context.Context, externalID string) (xapi.Metrics, bool) {
	if f.metricsFn != nil {
		return f.metricsFn(externalID)
	}
	return xapi.Metrics{}, false
}

type mapSource map[int64]*content.Item

func (m mapSource) Get(_ context.Context, id int64) (*content.Item, error) {
	it, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("content %d not found", id)
	}
	return it, nil
}

func testItem(id int64) *content.Item {
	return &content.Item{
		ID:          id,
		Title:       fmt.Sprintf("Post %d", id),
		Permalink:   fmt.Sprintf("http://x/%d", id),
		Categories:  []string{"News"},
		Tags:        []string{"go"},
		PublishedAt: time.Now(),
	}
}

func newTestService(t *testing.T, cfg Config, src mapSource) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, st, src, logx.Nop(), nil, nil), st
}

func mustEntry(t *testing.T, st storage.Store, id int64) storage.Entry {
	t.Helper()
	e, ok, err := st.Entry(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("entry %d: ok=%v err=%v", id, ok, err)
	}
	return e
}

func TestHandleNewContentEnqueues(t *testing.T) {
	svc, st := newTestService(t, Config{}, nil)
	svc.SetClient(&fakeClient{})
	ctx := context.Background()

	if err := svc.HandleNewContent(ctx, testItem(1)); err != nil {
		t.Fatalf("handleNewContent: %v", err)
	}
	e := mustEntry(t, st, 1)
	if e.Status != storage.StatusPending {
		t.Fatalf("status = %v", e.Status)
	}
}

func TestHandleNewContentSharedGuard(t *testing.T) {
	svc, st := newTestService(t, Config{}, nil)
	ctx := context.Background()

	if _, err := st.PutRecord(ctx, storage.Record{ContentID: 1, ShareTime: time.Now(), ExternalID: "e"}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := svc.HandleNewContent(ctx, testItem(1)); err != nil {
		t.Fatalf("handleNewContent: %v", err)
	}
	if _, ok, _ := st.Entry(ctx, 1); ok {
		t.Fatalf("already-shared item must not be enqueued")
	}
}

func TestHandleNewContentCategoryFilter(t *testing.T) {
	svc, st := newTestService(t, Config{AllowedCategories: []int64{10, 11}}, nil)
	ctx := context.Background()

	outside := testItem(1)
	outside.CategoryIDs = []int64{7}
	if err := svc.HandleNewContent(ctx, outside); err != nil {
		t.Fatalf("handleNewContent: %v", err)
	}
	if _, ok, _ := st.Entry(ctx, 1); ok {
		t.Fatalf("filtered item must not be enqueued")
	}

	inside := testItem(2)
	inside.CategoryIDs = []int64{3, 11}
	if err := svc.HandleNewContent(ctx, inside); err != nil {
		t.Fatalf("handleNewContent: %v", err)
	}
	if _, ok, _ := st.Entry(ctx, 2); !ok {
		t.Fatalf("matching item must be enqueued")
	}
}

func TestAutoShareFailureLeavesPending(t *testing.T) {
	svc, st := newTestService(t, Config{AutoShare: true}, nil)
	svc.SetClient(&fakeClient{publishFn: func(string, []string) (string, error) {
		return "", errors.New("boom")
	}})
	ctx := context.Background()

	// The event caller never sees the delivery failure.
	if err := svc.HandleNewContent(ctx, testItem(1)); err != nil {
		t.Fatalf("handleNewContent: %v", err)
	}
	e := mustEntry(t, st, 1)
	if e.Status != storage.StatusPending || e.AttemptCount != 0 {
		t.Fatalf("unexpected entry after auto-share failure: %+v", e)
	}
	if _, ok, _ := st.GetRecord(ctx, 1); ok {
		t.Fatalf("failed delivery must not write a record")
	}
}

func TestDeliverSuccess(t *testing.T) {
	svc, st := newTestService(t, Config{}, nil)
	fc := &fakeClient{metricsFn: func(string) (xapi.Metrics, bool) {
		return xapi.Metrics{Likes: 5, Shares: 2}, true
	}}
	svc.SetClient(fc)
	ctx := context.Background()

	if err := st.Enqueue(ctx, 1, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Deliver(ctx, testItem(1)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	rec, ok, err := st.GetRecord(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("record: ok=%v err=%v", ok, err)
	}
	if !rec.Shared || rec.ExternalID != "ext-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.HasMetrics || rec.Likes != 5 || rec.Shares != 2 {
		t.Fatalf("metrics not attached: %+v", rec)
	}
	if e := mustEntry(t, st, 1); e.Status != storage.StatusShared {
		t.Fatalf("queue entry not shared: %+v", e)
	}
	if len(fc.published) != 1 {
		t.Fatalf("publish calls = %d", len(fc.published))
	}
	if fc.published[0].text != "Post 1 http://x/1 #News #go" {
		t.Fatalf("unexpected text: %q", fc.published[0].text)
	}
}

func TestDeliverNotConfigured(t *testing.T) {
	svc, _ := newTestService(t, Config{}, nil)
	if err := svc.Deliver(context.Background(), testItem(1)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestMediaFailureDowngradesToTextOnly(t *testing.T) {
	svc, _ := newTestService(t, Config{}, nil)
	fc := &fakeClient{uploadFn: func(string) (string, error) {
		return "", &xapi.MediaError{Reason: "too large"}
	}}
	svc.SetClient(fc)

	item := testItem(1)
	item.ImagePath = "/tmp/huge.jpg"
	if err := svc.Deliver(context.Background(), item); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(fc.published) != 1 || len(fc.published[0].mediaIDs) != 0 {
		t.Fatalf("expected text-only publish, got %+v", fc.published)
	}
}

func TestDeliverWithMedia(t *testing.T) {
	svc, _ := newTestService(t, Config{}, nil)
	fc := &fakeClient{}
	svc.SetClient(fc)

	item := testItem(1)
	item.ImagePath = "/tmp/pic.jpg"
	if err := svc.Deliver(context.Background(), item); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(fc.published) != 1 || len(fc.published[0].mediaIDs) != 1 || fc.published[0].mediaIDs[0] != "media-1" {
		t.Fatalf("media id not attached: %+v", fc.published)
	}
}

func TestSweepPartialFailure(t *testing.T) {
	src := mapSource{1: testItem(1), 2: testItem(2), 3: testItem(3)}
	svc, st := newTestService(t, Config{}, src)
	svc.SetClient(&fakeClient{publishFn: func(text string, _ []string) (string, error) {
		if text == "Post 2 http://x/2 #News #go" {
			return "", errors.New("item 2 rejected")
		}
		return "ext", nil
	}})
	ctx := context.Background()

	base := time.Now()
	for id := int64(1); id <= 3; id++ {
		if err := st.Enqueue(ctx, id, base.Add(time.Duration(id)*time.Second)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	results, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("processPending: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(results))
	}
	if results[0].Status != "success" || results[1].Status != "error" || results[2].Status != "success" {
		t.Fatalf("unexpected outcomes: %+v", results)
	}

	if e := mustEntry(t, st, 1); e.Status != storage.StatusShared {
		t.Fatalf("item 1 not shared: %+v", e)
	}
	if e := mustEntry(t, st, 3); e.Status != storage.StatusShared {
		t.Fatalf("item 3 not shared: %+v", e)
	}
	e := mustEntry(t, st, 2)
	if e.Status != storage.StatusPending || e.AttemptCount != 1 {
		t.Fatalf("item 2 should stay pending with one attempt: %+v", e)
	}
	if _, ok, _ := st.GetRecord(ctx, 2); ok {
		t.Fatalf("failed item must have no record")
	}
}

func TestRetryCapMarksFailed(t *testing.T) {
	src := mapSource{1: testItem(1)}
	svc, st := newTestService(t, Config{RetryCap: 2}, src)
	svc.SetClient(&fakeClient{publishFn: func(string, []string) (string, error) {
		return "", errors.New("always down")
	}})
	ctx := context.Background()

	if err := st.Enqueue(ctx, 1, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.ProcessPending(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	e := mustEntry(t, st, 1)
	if e.Status != storage.StatusFailed || e.AttemptCount != 2 {
		t.Fatalf("expected terminal failed after cap: %+v", e)
	}

	// A further sweep sees nothing to do.
	results, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("failed entry still swept: %+v", results)
	}
}

func TestSweepWithoutClientLeavesQueueUntouched(t *testing.T) {
	src := mapSource{1: testItem(1)}
	svc, st := newTestService(t, Config{RetryCap: 2}, src)
	ctx := context.Background()

	if err := st.Enqueue(ctx, 1, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Sweeps past the retry cap must not charge attempts while no
	// client exists; the entry just waits.
	for i := 0; i < 3; i++ {
		results, err := svc.ProcessPending(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if len(results) != 0 {
			t.Fatalf("sweep %d touched the queue: %+v", i, results)
		}
	}
	e := mustEntry(t, st, 1)
	if e.Status != storage.StatusPending || e.AttemptCount != 0 {
		t.Fatalf("entry consumed while unconfigured: %+v", e)
	}

	// Once credentials arrive the same entry goes out normally.
	svc.SetClient(&fakeClient{})
	results, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("configured sweep: %v", err)
	}
	if len(results) != 1 || results[0].Status != "success" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if e := mustEntry(t, st, 1); e.Status != storage.StatusShared {
		t.Fatalf("entry not shared: %+v", e)
	}
}

func TestSweepUnresolvableContent(t *testing.T) {
	svc, st := newTestService(t, Config{}, mapSource{})
	svc.SetClient(&fakeClient{})
	ctx := context.Background()

	if err := st.Enqueue(ctx, 9, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	results, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("processPending: %v", err)
	}
	if len(results) != 1 || results[0].Status != "error" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if e := mustEntry(t, st, 9); e.AttemptCount != 1 {
		t.Fatalf("missing content should count as an attempt: %+v", e)
	}
}

func TestDeliverMany(t *testing.T) {
	src := mapSource{1: testItem(1), 2: testItem(2), 3: testItem(3)}
	svc, _ := newTestService(t, Config{}, src)
	svc.SetClient(&fakeClient{publishFn: func(text string, _ []string) (string, error) {
		if text == "Post 1 http://x/1 #News #go" {
			return "ext", nil
		}
		return "", errors.New("rejected")
	}})

	res := svc.DeliverMany(context.Background(), []int64{1, 2, 3})
	if !res.OverallSuccess {
		t.Fatalf("one success must mean overall success")
	}
	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.Results))
	}
	if res.Results[0].Status != "success" || res.Results[1].Status != "error" || res.Results[2].Status != "error" {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
	if res.Results[1].Message == "" {
		t.Fatalf("error results carry a message")
	}
}

func TestDeliverManyAllFail(t *testing.T) {
	svc, _ := newTestService(t, Config{}, mapSource{})
	svc.SetClient(&fakeClient{})

	res := svc.DeliverMany(context.Background(), []int64{1, 2})
	if res.OverallSuccess {
		t.Fatalf("no successes must mean overall failure")
	}
}

func TestRefreshMetrics(t *testing.T) {
	svc, st := newTestService(t, Config{}, nil)
	svc.SetClient(&fakeClient{metricsFn: func(id string) (xapi.Metrics, bool) {
		if id != "ext-9" {
			return xapi.Metrics{}, false
		}
		return xapi.Metrics{Likes: 7, Shares: 3}, true
	}})
	ctx := context.Background()

	if _, err := st.PutRecord(ctx, storage.Record{ContentID: 4, ShareTime: time.Now(), ExternalID: "ext-9"}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := svc.RefreshMetrics(ctx, 4); err != nil {
		t.Fatalf("refreshMetrics: %v", err)
	}
	rec, _, _ := st.GetRecord(ctx, 4)
	if !rec.HasMetrics || rec.Likes != 7 {
		t.Fatalf("metrics not refreshed: %+v", rec)
	}

	if err := svc.RefreshMetrics(ctx, 99); err == nil {
		t.Fatalf("never-shared content must be rejected")
	}
}

func TestDeliveryEventsEmitted(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(Config{}, st, mapSource{}, logx.Nop(), nil, bus)
	svc.SetClient(&fakeClient{})

	item := testItem(1)
	if err := svc.HandleNewContent(context.Background(), item); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := svc.Deliver(context.Background(), item); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.TypeQueued, eventbus.TypeShared}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
