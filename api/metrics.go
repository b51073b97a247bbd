package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestEventName   = "prism.board.request"
	requestEventDomain = "app"
	requestSpanName    = "board.request"
	tracerName         = "prism-board/api"

	attrHTTPRoute      = "http.route"
	attrHTTPMethod     = "http.method"
	attrHTTPStatusCode = "http.status_code"
	attrTotalMillis    = "board.total_ms"
	attrAuthMillis     = "board.auth_ms"
	attrStoreMillis    = "board.store_ms"
	attrTasksReturned  = "board.tasks_returned"
	attrDuplicate      = "board.duplicate"
	attrErrorStage     = "board.error_stage"
	attrErrorMessage   = "error.message"
)

// requestMetrics times one API request. Log emits the timings as a single
// observability.event log line and as an event on the request span.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	method string
	start  time.Time

	authDuration  time.Duration
	storeDuration time.Duration
	tasksReturned int
	duplicate     bool
	errorStage    string
	err           error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String(attrHTTPRoute, route), attribute.String(attrHTTPMethod, method)),
	)
	return &requestMetrics{
		logger:        logger,
		span:          span,
		route:         route,
		method:        method,
		start:         time.Now(),
		tasksReturned: -1,
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration += d
	}
}

func (m *requestMetrics) SetTasksReturned(n int) {
	m.tasksReturned = n
}

func (m *requestMetrics) SetDuplicate(dup bool) {
	m.duplicate = dup
}

// Fail records the stage a request failed in. err may be nil for client errors
// that need no message.
func (m *requestMetrics) Fail(stage string, err error) {
	m.errorStage = stage
	if err != nil {
		m.err = err
	}
}

func (m *requestMetrics) Log(status int) {
	if m == nil {
		return
	}
	attrs := map[string]any{
		attrHTTPRoute:      m.route,
		attrHTTPMethod:     m.method,
		attrHTTPStatusCode: status,
		attrTotalMillis:    durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		attrs[attrAuthMillis] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs[attrStoreMillis] = durationToMillis(m.storeDuration)
	}
	if m.tasksReturned >= 0 {
		attrs[attrTasksReturned] = m.tasksReturned
	}
	if m.duplicate {
		attrs[attrDuplicate] = true
	}
	if m.errorStage != "" {
		attrs[attrErrorStage] = m.errorStage
	}
	if m.err != nil {
		attrs[attrErrorMessage] = m.err.Error()
	}
	severityText, severityNumber := severityForStatus(status, m.err)

	if m.span != nil {
		kvs := toAttributes(attrs)
		m.span.SetAttributes(kvs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(append(kvs,
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
		)...))
		switch {
		case m.err != nil:
			m.span.RecordError(m.err)
			m.span.SetStatus(codes.Error, m.err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		defer m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Log(logLevelFor(severityNumber), "observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func logLevelFor(severityNumber int) log.Level {
	switch {
	case severityNumber >= 17:
		return log.ErrorLevel
	case severityNumber >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
