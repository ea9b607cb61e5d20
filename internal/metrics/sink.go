package metrics

import "context"

// Instrument is a named, typed measurement channel. A Recorder creates one per
// metric id on first use and reuses it for the rest of its lifetime.
type Instrument struct {
	Name        string
	Description string
	Unit        string
	Kind        Kind
}

// View tells a sink how to aggregate an instrument's measurements and which
// tag keys to group them by.
type View struct {
	Name        string
	Description string
	Instrument  Instrument
	Aggregation Aggregation
	Columns     []string
}

// Measurement is one recorded value. Int is set for KindInt instruments and
// Float for KindFloat.
type Measurement struct {
	Instrument Instrument
	Int        int64
	Float      float64
}

// Float64 returns the measurement as a float64 regardless of kind.
func (m Measurement) Float64() float64 {
	if m.Instrument.Kind == KindInt {
		return float64(m.Int)
	}
	return m.Float
}

// Tags maps tag keys to values for a single push.
type Tags map[string]string

// Sink is an exporter backend. RegisterView is called once per instrument,
// before the first Record for it. Record has no failure path; a sink that
// cannot deliver must log and drop.
type Sink interface {
	RegisterView(v View) error
	Record(ctx context.Context, m Measurement, tags Tags)
}

// SinkFactory builds a sink bound to a connection string.
type SinkFactory func(key string) (Sink, error)

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) RegisterView(View) error                   { return nil }
func (NoopSink) Record(context.Context, Measurement, Tags) {}
