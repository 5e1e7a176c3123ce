package log

import (
	"bytes"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/openvmk/vscsi/internal/logfields"
)

const nullString = "null"

// DurationFormat converts a [time.Duration] to a log-friendly encoding.
// Returning nil leaves the field unchanged.
type DurationFormat func(time.Duration) interface{}

// DurationFormatSeconds encodes durations as fractional seconds.
func DurationFormatSeconds(d time.Duration) interface{} { return d.Seconds() }

// DurationFormatString encodes durations via [time.Duration.String].
func DurationFormatString(d time.Duration) interface{} { return d.String() }

// Hook intercepts and formats a [logrus.Entry] before it is logged.
//
// The storage core logs through whatever output the embedding service
// configures on the standard logger; the hook only normalizes field values.
type Hook struct {
	// EncodeAsJSON formats structs, maps, arrays, slices, and [bytes.Buffer] as JSON.
	// Variables of [bytes.Buffer] will be converted to []byte.
	//
	// Default is true.
	EncodeAsJSON bool

	// FormatTime specifies the format for [time.Time] variables.
	// An empty string disables formatting.
	//
	// Default is [TimeFormat].
	TimeFormat string

	// DurationFormat converts a [time.Duration] field to an appropriate encoding.
	//
	// Default is [DurationFormatSeconds].
	DurationFormat DurationFormat

	// AddSpanContext adds [logfields.TraceID] and [logfields.SpanID] fields to
	// the entry from the span context stored in [logrus.Entry.Context], if it exists.
	AddSpanContext bool

	// Whether to encode errors or keep them as is.
	EncodeError bool
}

var _ logrus.Hook = &Hook{}

func NewHook() *Hook {
	return &Hook{
		EncodeAsJSON:   true,
		TimeFormat:     TimeFormat,
		DurationFormat: DurationFormatSeconds,
		AddSpanContext: true,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(e *logrus.Entry) (err error) {
	// JSON encode, if necessary, then add span information
	h.encode(e)
	h.addSpanContext(e)

	return nil
}

// encode loops through all the fields in the [logrus.Entry] and encodes them according to
// the settings in [Hook].
// If [Hook.TimeFormat] is non-empty, it will be passed to [time.Time.Format] for
// fields of type [time.Time].
// If [Hook.EncodeAsJSON] is true, then fields that are not numeric, boolean, strings, or
// errors will be encoded via a [json.NewEncoder] in encode().
//
// If [Hook.TimeFormat] is empty and [Hook.EncodeAsJSON] is false, then this is a no-op.
func (h *Hook) encode(e *logrus.Entry) {
	d := e.Data

	formatTime := h.TimeFormat != ""
	if !(h.EncodeAsJSON || formatTime) {
		return
	}

	for k, v := range d {
		if !h.EncodeError {
			if _, ok := v.(error); k == logrus.ErrorKey || ok {
				continue
			}
		}

		if t, ok := v.(time.Time); formatTime && ok {
			d[k] = t.Format(h.TimeFormat)
			continue
		}

		if !h.EncodeAsJSON {
			continue
		}

		switch vv := v.(type) {
		// built in types
		case bool, string, error, uintptr,
			int8, int16, int32, int64, int,
			uint8, uint32, uint64, uint,
			float32, float64:
			continue

		case time.Duration:
			if h.DurationFormat != nil {
				if i := h.DurationFormat(vv); i != nil {
					d[k] = i
				}
			}
			continue

		// Rather than setting d[k] = vv.String(), JSON encode []byte value, since it
		// may be a binary payload and not representable as a string.
		case bytes.Buffer:
			v = vv.Bytes()
		case *bytes.Buffer:
			v = vv.Bytes()
		}

		// dereference any pointers
		rv := reflect.Indirect(reflect.ValueOf(v))
		// check if `v` is a null pointer
		if !rv.IsValid() {
			d[k] = nullString
			continue
		}

		switch rv.Kind() {
		case reflect.Map, reflect.Struct, reflect.Array, reflect.Slice:
		default:
			continue
		}

		b, err := encode(v)
		if err != nil {
			// Add encoding errors to the entry data to be written out, but keep
			// on processing the remaining fields.
			d[k+"-"+logrus.ErrorKey] = err.Error()
		}

		// if `err != nil`, then `b == nil` and this will be the empty string
		d[k] = string(b)
	}
}

func (h *Hook) addSpanContext(e *logrus.Entry) {
	if !h.AddSpanContext {
		return
	}
	ctx := e.Context
	if ctx == nil {
		return
	}
	span := trace.FromContext(ctx)
	if span == nil {
		return
	}
	sctx := span.SpanContext()
	e.Data[logfields.TraceID] = sctx.TraceID.String()
	e.Data[logfields.SpanID] = sctx.SpanID.String()
}
