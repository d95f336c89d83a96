package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
)

type failingLogger struct{ err error }

func (f failingLogger) Log(context.Context, *Event) error { return f.err }
func (f failingLogger) Close() error                      { return nil }

func TestNewEvent_CarriesRequestID(t *testing.T) {
	ctx := contextkeys.WithRequestID(context.Background(), "req-42")
	e := NewEvent(ctx, EventDataCreate, StatusSuccess).WithResource(ResourceDocument, "d-1").WithError(nil)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "req-42", e.RequestID)
	assert.Equal(t, ResourceDocument, e.ResourceType)
	assert.Empty(t, e.ErrorMessage)
	assert.False(t, e.Timestamp.IsZero())
}

func TestMultiLogger_WritesAllAndAggregates(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := NewMultiLogger(a, failingLogger{errors.New("disk full")}, nil, b, failingLogger{errors.New("timeout")})

	err := m.Log(context.Background(), &Event{EventType: EventDataRead})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "timeout")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)

	assert.NoError(t, NewMultiLogger(a, b).Log(context.Background(), &Event{}))
	assert.NoError(t, m.Close())
}

type blockingLogger struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingLogger) Log(ctx context.Context, _ *Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return nil
}

func (b *blockingLogger) Close() error { return nil }

func TestAsyncLogger_DeliversAndDrains(t *testing.T) {
	rec := NewRecorder()
	a := NewAsyncLogger(context.Background(), rec, AsyncConfig{
		Workers: 2, QueueSize: 16, WriteTimeout: time.Second, DrainTimeout: time.Second,
	}, nil, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Log(context.Background(), &Event{EventType: EventDataRead}))
	}
	require.NoError(t, a.Close())
	assert.Len(t, rec.Events(), 10)
}

func TestAsyncLogger_DropsWhenFull(t *testing.T) {
	sink := &blockingLogger{release: make(chan struct{})}
	a := NewAsyncLogger(context.Background(), sink, AsyncConfig{
		Workers: 1, QueueSize: 1, WriteTimeout: time.Second, DrainTimeout: time.Second,
	}, nil, nil)

	var dropped int
	for i := 0; i < 5; i++ {
		if err := a.Log(context.Background(), &Event{}); err != nil {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 3)

	close(sink.release)
	require.NoError(t, a.Close())
}

func TestLogrusLogger_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogrusLogger(&buf)

	e := &Event{
		ID: "a-1", Timestamp: time.Now(), EventType: EventPermissionDenied, Status: StatusDenied,
		TenantID: "t-acme", ActorID: "u-1", Metadata: map[string]interface{}{"permission": "manage_users"},
	}
	require.NoError(t, l.Log(context.Background(), e))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "t-acme", line["tenant_id"])
	assert.Equal(t, "manage_users", line["meta.permission"])
	assert.Equal(t, "audit authz.permission_denied", line["msg"])
}

func TestExport(t *testing.T) {
	events := []*Event{
		{ID: "a-1", Timestamp: base, EventType: EventDataCreate, Status: StatusSuccess, TenantID: "t-acme", StatusCode: 201},
		{ID: "a-2", Timestamp: base, EventType: EventDataDelete, Status: StatusFailure, TenantID: "t-acme", Message: "has, comma"},
	}

	var nd bytes.Buffer
	require.NoError(t, Export(&nd, events, ExportFormatNDJSON))
	lines := strings.Split(strings.TrimSpace(nd.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a-1"`)

	var csvOut bytes.Buffer
	require.NoError(t, Export(&csvOut, events, ExportFormatCSV))
	rows := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	require.Len(t, rows, 3)
	assert.True(t, strings.HasPrefix(rows[0], "ID,Timestamp"))
	assert.Contains(t, rows[1], ",201,")
	assert.Contains(t, rows[2], `"has, comma"`)

	assert.Error(t, Export(io.Discard, events, "xml"))
	assert.Equal(t, "text/csv", ExportFormatCSV.ContentType())
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_UploadsNDJSON(t *testing.T) {
	p := &fakePutter{}
	a := NewS3ArchiverWithClient(p, "audit-archive", "")

	err := a.Archive(context.Background(), "2024/03/01/a-1.ndjson", []*Event{{ID: "a-1"}, {ID: "a-2"}})
	require.NoError(t, err)
	assert.Equal(t, "audit-archive", *p.input.Bucket)
	assert.Equal(t, "audit/2024/03/01/a-1.ndjson", *p.input.Key)
	assert.Equal(t, "application/x-ndjson", *p.input.ContentType)
	assert.Equal(t, 2, strings.Count(string(p.body), "\n"))

	p.err = errors.New("access denied")
	assert.Error(t, a.Archive(context.Background(), "k", []*Event{{ID: "a-3"}}))
}

func TestSecurityReporter_ThrottlesPerIdentifier(t *testing.T) {
	rec := NewRecorder()
	r := NewSecurityReporter(rec, SecurityConfig{Interval: time.Hour, Burst: 2, MaxTracked: 100, IdleTTL: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.RateLimited(ctx, "203.0.113.9", "auth", 5, 30*time.Second)
	}
	r.RateLimited(ctx, "198.51.100.7", "auth", 5, 30*time.Second)
	r.AuthFailed(ctx, "203.0.113.9", "invalid token")

	limited := rec.OfType(EventRateLimited)
	require.Len(t, limited, 3)
	assert.Equal(t, "203.0.113.9", limited[0].Metadata["identifier"])
	assert.Equal(t, 30, limited[0].Metadata["retry_after_seconds"])
	assert.Len(t, rec.OfType(EventAuthFailed), 1, "separate allowance per event type")
	assert.Equal(t, 3, r.Tracked())
}

func TestSecurityReporter_AttachesSuppressedCount(t *testing.T) {
	rec := NewRecorder()
	r := NewSecurityReporter(rec, SecurityConfig{Interval: 20 * time.Millisecond, Burst: 1, MaxTracked: 10, IdleTTL: time.Minute}, nil)
	ctx := context.Background()

	assert.True(t, r.Report(ctx, "k", NewEvent(ctx, EventAuthFailed, StatusFailure)))
	assert.False(t, r.Report(ctx, "k", NewEvent(ctx, EventAuthFailed, StatusFailure)))
	assert.False(t, r.Report(ctx, "k", NewEvent(ctx, EventAuthFailed, StatusFailure)))

	assert.Eventually(t, func() bool {
		return r.Report(ctx, "k", NewEvent(ctx, EventAuthFailed, StatusFailure))
	}, time.Second, 5*time.Millisecond)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.GreaterOrEqual(t, events[1].Metadata["suppressed"], int64(2))
}
