package iplog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"go.uber.org/zap"
)

// fakeLogs serves FilterLogEvents responses one page at a time and records
// every PutLogEvents call.
type fakeLogs struct {
	put    []*cloudwatchlogs.PutLogEventsInput
	pages  [][]cwtypes.FilteredLogEvent
	filter []*cloudwatchlogs.FilterLogEventsInput
}

func (f *fakeLogs) PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.put = append(f.put, in)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func (f *fakeLogs) FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.filter = append(f.filter, in)
	if len(f.pages) == 0 {
		return &cloudwatchlogs.FilterLogEventsOutput{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	out := &cloudwatchlogs.FilterLogEventsOutput{Events: page}
	if len(f.pages) > 0 {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func eventMessage(t *testing.T, ev Event) cwtypes.FilteredLogEvent {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return cwtypes.FilteredLogEvent{Message: aws.String(string(raw))}
}

func newTestWriter(api API) *Writer {
	cfg := Config{GroupName: "portal-activity", StreamName: "user-ip"}
	return NewWriter(api, cfg, zap.NewNop().Sugar())
}

func TestWriteUnconfigured(t *testing.T) {
	w := NewWriter(nil, Config{}, zap.NewNop().Sugar())
	if err := w.Write(context.Background(), Event{Action: "login"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestWriteAssignsEventID(t *testing.T) {
	logs := &fakeLogs{}
	w := newTestWriter(logs)

	err := w.Write(context.Background(), Event{
		Username:  "alice",
		Action:    "login",
		IPAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(logs.put) != 1 || len(logs.put[0].LogEvents) != 1 {
		t.Fatalf("put calls = %+v", logs.put)
	}
	if aws.ToString(logs.put[0].LogGroupName) != "portal-activity" {
		t.Errorf("group = %q", aws.ToString(logs.put[0].LogGroupName))
	}

	var ev Event
	if err := json.Unmarshal([]byte(aws.ToString(logs.put[0].LogEvents[0].Message)), &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.EventID == "" {
		t.Error("event id not assigned")
	}
	if ev.Username != "alice" || ev.Action != "login" || ev.IPAddress != "203.0.113.9" {
		t.Errorf("payload = %+v", ev)
	}
}

func TestQueryPagesAndFilters(t *testing.T) {
	logs := &fakeLogs{}
	for page := 0; page < 2; page++ {
		var events []cwtypes.FilteredLogEvent
		for i := 0; i < 2; i++ {
			events = append(events, eventMessage(t, Event{
				EventID:  "ev",
				Username: "alice",
				Action:   "login",
			}))
		}
		logs.pages = append(logs.pages, events)
	}
	w := newTestWriter(logs)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events, err := w.Query(context.Background(), QueryFilter{
		Username: "alice",
		Start:    start,
		End:      start.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events across pages, want 4", len(events))
	}
	if len(logs.filter) != 2 {
		t.Fatalf("made %d filter calls, want 2", len(logs.filter))
	}
	if got := aws.ToString(logs.filter[0].FilterPattern); got != `{ $.username = "alice" }` {
		t.Errorf("filter pattern = %q", got)
	}
	if logs.filter[1].NextToken == nil {
		t.Error("second page requested without the continuation token")
	}
	if aws.ToInt64(logs.filter[0].StartTime) != start.UnixMilli() {
		t.Errorf("start time = %d", aws.ToInt64(logs.filter[0].StartTime))
	}
}

func TestQueryHonorsLimit(t *testing.T) {
	logs := &fakeLogs{}
	logs.pages = append(logs.pages, []cwtypes.FilteredLogEvent{
		eventMessage(t, Event{EventID: "1", Action: "login"}),
		eventMessage(t, Event{EventID: "2", Action: "login"}),
		eventMessage(t, Event{EventID: "3", Action: "login"}),
	}, nil)
	w := newTestWriter(logs)

	events, err := w.Query(context.Background(), QueryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want limit of 2", len(events))
	}
	if len(logs.filter) != 1 {
		t.Errorf("made %d filter calls after hitting the limit, want 1", len(logs.filter))
	}
}
