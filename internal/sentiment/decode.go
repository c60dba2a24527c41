package sentiment

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"coinlink-go/internal/signal"
)

// ParseSample decodes a classifier payload. Missing timestamps default to now.
//
// Accepted shapes include {"label":"positive","score":0.8,"timestamp":"..."} and
// {"sentiment":"bearish","confidence":"0.6","ts":1718000000000}.
func ParseSample(raw []byte, now time.Time) (signal.SentimentSample, error) {
	if !gjson.ValidBytes(raw) {
		return signal.SentimentSample{}, fmt.Errorf("%w: malformed json", ErrInvalidSample)
	}
	res := gjson.GetManyBytes(raw,
		"label", "sentiment", "sentiment_label",
		"score", "confidence", "sentiment_score",
		"timestamp", "ts", "processed_at",
	)
	labelField := first(res[0:3])
	if !labelField.Exists() {
		return signal.SentimentSample{}, fmt.Errorf("%w: missing label", ErrInvalidSample)
	}
	label, ok := signal.ParseLabel(labelField.String())
	if !ok {
		return signal.SentimentSample{}, fmt.Errorf("%w: label %q", ErrInvalidSample, labelField.String())
	}
	scoreField := first(res[3:6])
	if !scoreField.Exists() {
		return signal.SentimentSample{}, fmt.Errorf("%w: missing score", ErrInvalidSample)
	}
	ts, err := parseTime(first(res[6:9]), now)
	if err != nil {
		return signal.SentimentSample{}, err
	}
	s := signal.SentimentSample{Label: label, Score: scoreField.Float(), Ts: ts}
	if err := validate(s); err != nil {
		return signal.SentimentSample{}, err
	}
	return s, nil
}

func first(rs []gjson.Result) gjson.Result {
	for _, r := range rs {
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func parseTime(r gjson.Result, now time.Time) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		n := r.Int()
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	case gjson.String:
		s := strings.TrimSpace(r.String())
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidSample, s, err)
		}
		return ts.UTC(), nil
	default:
		return now, nil
	}
}
