package webhook

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/onnwee/vidcredit/internal/generation"
	"github.com/onnwee/vidcredit/internal/purchase"
)

// ErrMalformedPayload is returned when a webhook body does not match the expected shape.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Generation provider states with a defined effect.
const (
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Video describes a rendered clip.
type Video struct {
	Duration float64 `json:"duration"`
	FPS      float64 `json:"fps"`
}

// Creation is one output of a generation task.
type Creation struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	CoverURL string `json:"cover_url,omitempty"`
	Video    *Video `json:"video,omitempty"`
}

// GenerationEvent is a generation provider callback.
type GenerationEvent struct {
	TaskID    string     `json:"id"`
	State     string     `json:"state"`
	Creations []Creation `json:"creations"`
	BGM       *bool      `json:"bgm,omitempty"`
}

// EventID derives the event log key. The provider sends no event id, and a
// task reports each state once, so task id and state together identify a delivery.
func (e GenerationEvent) EventID() string {
	return e.TaskID + ":" + e.State
}

// Primary returns the first creation as the generation result.
func (e GenerationEvent) Primary() (generation.Creation, bool) {
	if len(e.Creations) == 0 {
		return generation.Creation{}, false
	}
	c := e.Creations[0]
	out := generation.Creation{ID: c.ID, URL: c.URL, CoverURL: c.CoverURL}
	if c.Video != nil {
		out.DurationSeconds = c.Video.Duration
	}
	return out, true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func requireString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() {
		return "", malformed("%s is required", path)
	}
	if v.Type != gjson.String {
		return "", malformed("%s must be a string", path)
	}
	if v.Str == "" {
		return "", malformed("%s must not be empty", path)
	}
	return v.Str, nil
}

func optionalString(doc gjson.Result, path string) (string, error) {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return "", nil
	}
	if v.Type != gjson.String {
		return "", malformed("%s must be a string", path)
	}
	return v.Str, nil
}

func optionalNumber(doc gjson.Result, path string) (float64, error) {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return 0, nil
	}
	if v.Type != gjson.Number {
		return 0, malformed("%s must be a number", path)
	}
	return v.Num, nil
}

func parseObject(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, malformed("body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, malformed("body must be a JSON object")
	}
	return doc, nil
}

// ParsePaymentNotification validates a payment webhook body:
// {"event_id", "payment_id"?, "purchase_id"?, "status"} with at least one of
// payment_id and purchase_id.
func ParsePaymentNotification(body []byte) (purchase.Notification, error) {
	var n purchase.Notification
	doc, err := parseObject(body)
	if err != nil {
		return n, err
	}

	if n.EventID, err = requireString(doc, "event_id"); err != nil {
		return n, err
	}
	if n.Status, err = requireString(doc, "status"); err != nil {
		return n, err
	}
	switch n.Status {
	case purchase.PaymentApproved, purchase.PaymentRejected, purchase.PaymentPending:
	default:
		return n, malformed("status %q is not recognised", n.Status)
	}
	if n.PaymentID, err = optionalString(doc, "payment_id"); err != nil {
		return n, err
	}
	if n.PurchaseID, err = optionalString(doc, "purchase_id"); err != nil {
		return n, err
	}
	if n.PaymentID == "" && n.PurchaseID == "" {
		return n, malformed("payment_id or purchase_id is required")
	}
	return n, nil
}

// ParseGenerationEvent validates a generation provider callback body.
func ParseGenerationEvent(body []byte) (GenerationEvent, error) {
	var e GenerationEvent
	doc, err := parseObject(body)
	if err != nil {
		return e, err
	}

	if e.TaskID, err = requireString(doc, "id"); err != nil {
		return e, err
	}
	if e.State, err = requireString(doc, "state"); err != nil {
		return e, err
	}

	if bgm := doc.Get("bgm"); bgm.Exists() && bgm.Type != gjson.Null {
		if !bgm.IsBool() {
			return e, malformed("bgm must be a boolean")
		}
		b := bgm.Bool()
		e.BGM = &b
	}

	creations := doc.Get("creations")
	if !creations.Exists() || creations.Type == gjson.Null {
		return e, nil
	}
	if !creations.IsArray() {
		return e, malformed("creations must be an array")
	}

	for i, item := range creations.Array() {
		if !item.IsObject() {
			return e, malformed("creations.%d must be an object", i)
		}
		var c Creation
		if c.ID, err = requireString(item, "id"); err != nil {
			return e, fmt.Errorf("creations.%d: %w", i, err)
		}
		if c.URL, err = requireString(item, "url"); err != nil {
			return e, fmt.Errorf("creations.%d: %w", i, err)
		}
		if c.CoverURL, err = optionalString(item, "cover_url"); err != nil {
			return e, fmt.Errorf("creations.%d: %w", i, err)
		}
		if video := item.Get("video"); video.Exists() && video.Type != gjson.Null {
			if !video.IsObject() {
				return e, malformed("creations.%d.video must be an object", i)
			}
			var v Video
			if v.Duration, err = optionalNumber(video, "duration"); err != nil {
				return e, fmt.Errorf("creations.%d.video: %w", i, err)
			}
			if v.FPS, err = optionalNumber(video, "fps"); err != nil {
				return e, fmt.Errorf("creations.%d.video: %w", i, err)
			}
			if v.Duration < 0 || v.FPS < 0 {
				return e, malformed("creations.%d.video values must not be negative", i)
			}
			c.Video = &v
		}
		e.Creations = append(e.Creations, c)
	}
	return e, nil
}
