// Package iplog writes user-activity events to a dedicated CloudWatch
// Logs stream, separate from application logging. Events record who did
// what from which address and feed the access-review tooling.
package iplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"go.uber.org/zap"

	"github.com/opensciencelab/portal/pkg/utilities"
)

// ErrNotConfigured means the log group or stream name is missing from the
// environment. That is a deployment mistake, not a runtime condition.
var ErrNotConfigured = errors.New("user activity log group/stream not configured")

type Config struct {
	GroupName  string
	StreamName string
}

func ConfigFromEnv() Config {
	return Config{
		GroupName:  os.Getenv("USER_IP_LOGS_GROUP_NAME"),
		StreamName: os.Getenv("USER_IP_LOGS_STREAM_NAME"),
	}
}

// API is the CloudWatch Logs surface used here.
type API interface {
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Event is one activity record. EventID is assigned on write.
type Event struct {
	EventID   string `json:"event_id"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	Path      string `json:"path,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Country   string `json:"country_code,omitempty"`
}

type Writer struct {
	api    API
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewWriter(api API, cfg Config, logger *zap.SugaredLogger) *Writer {
	return &Writer{api: api, cfg: cfg, logger: logger, now: time.Now}
}

// Write sends one event to the activity stream.
func (w *Writer) Write(ctx context.Context, ev Event) error {
	if w.cfg.GroupName == "" || w.cfg.StreamName == "" {
		return ErrNotConfigured
	}
	if ev.EventID == "" {
		ev.EventID = utilities.NewSnowflakeID()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	_, err = w.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(w.cfg.GroupName),
		LogStreamName: aws.String(w.cfg.StreamName),
		LogEvents: []cwtypes.InputLogEvent{
			{
				Timestamp: aws.Int64(w.now().UnixMilli()),
				Message:   aws.String(string(payload)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put activity event: %w", err)
	}
	return nil
}

// Record is Write minus the error: activity logging must never fail a
// request, so failures are logged and dropped.
func (w *Writer) Record(ctx context.Context, ev Event) {
	if err := w.Write(ctx, ev); err != nil {
		w.logger.Warnw("activity event dropped", "action", ev.Action, "error", err)
	}
}

// QueryFilter narrows an activity-stream read. Zero values mean
// unfiltered.
type QueryFilter struct {
	Username string
	Start    time.Time
	End      time.Time
	Limit    int32
}

// Query reads events back from the stream for the access-review endpoint.
// Pagination stops at the filter limit or the end of the range.
func (w *Writer) Query(ctx context.Context, f QueryFilter) ([]Event, error) {
	if w.cfg.GroupName == "" || w.cfg.StreamName == "" {
		return nil, ErrNotConfigured
	}
	in := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName:   aws.String(w.cfg.GroupName),
		LogStreamNames: []string{w.cfg.StreamName},
	}
	if f.Username != "" {
		// CloudWatch JSON filter syntax, matched against Event fields.
		in.FilterPattern = aws.String(fmt.Sprintf("{ $.username = %q }", f.Username))
	}
	if !f.Start.IsZero() {
		in.StartTime = aws.Int64(f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		in.EndTime = aws.Int64(f.End.UnixMilli())
	}
	if f.Limit > 0 {
		in.Limit = aws.Int32(f.Limit)
	}

	var events []Event
	for {
		out, err := w.api.FilterLogEvents(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("filter activity events: %w", err)
		}
		for _, raw := range out.Events {
			var ev Event
			if err := json.Unmarshal([]byte(aws.ToString(raw.Message)), &ev); err != nil {
				w.logger.Warnw("skipping malformed activity event", "error", err)
				continue
			}
			events = append(events, ev)
			if f.Limit > 0 && int32(len(events)) >= f.Limit {
				return events, nil
			}
		}
		if out.NextToken == nil {
			return events, nil
		}
		in.NextToken = out.NextToken
	}
}
