package streambridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drblury/streambridge/transport/channel"
)

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
	if MetadataKeyOffset != "streambridge_offset" {
		t.Fatalf("unexpected offset key %q", MetadataKeyOffset)
	}
}

func TestOffsetExports(t *testing.T) {
	var zero Offset
	if !zero.IsLast() || !Last.IsLast() {
		t.Fatal("expected the zero offset to be Last")
	}
	if !First.IsFirst() {
		t.Fatal("expected First to replay")
	}
	o, err := ParseOffset("42")
	if err != nil {
		t.Fatalf("parse offset: %v", err)
	}
	if o != At(42) {
		t.Fatalf("expected At(42), got %v", o)
	}
}

func TestNewDialerUsesDefaultRegistry(t *testing.T) {
	dial := NewDialer(&Config{Transport: channel.TransportName}, nil)
	session, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer session.Close()
	if err := session.DeclareStream(context.Background(), "facade"); err != nil {
		t.Fatalf("declare failed: %v", err)
	}

	_, err = NewDialer(&Config{Transport: "nope"}, nil)(context.Background())
	if err == nil {
		t.Fatal("expected unknown transport error")
	}
}

func TestFacadeRoundTrip(t *testing.T) {
	broker := channel.NewBroker()
	dial := func(ctx context.Context) (Session, error) { return broker.Session(nil), nil }

	pubConn, err := NewConnectionManager("flights", dial)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := NewPublisher(pubConn)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, body := range []string{`{"icao24":"a","time":1}`, `{"icao24":"a","time":1}`, `{"icao24":"a","time":2}`} {
		if err := pub.Publish(ctx, []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	subConn, err := NewConnectionManager("flights", dial)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := NewSubscriber(subConn, WithDeduplication(NewDeduplicator[string, string](), FieldKey("icao24", "time")))
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Start(ctx, StartOptions{Mode: ModeBackground, Offset: First}); err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()

	for _, want := range []string{"1", "2"} {
		msg, err := sub.GetOne(ctx)
		if err != nil {
			t.Fatalf("get one: %v", err)
		}
		if got, _ := msg.Field("time"); got != want {
			t.Fatalf("expected time %s, got %s", want, got)
		}
	}
}

func TestErrorExports(t *testing.T) {
	if !errors.Is(&PublishTimeoutError{Stream: "s", Attempts: 3, Err: ErrSessionClosed}, ErrPublishTimeout) {
		t.Fatal("expected PublishTimeoutError to match ErrPublishTimeout")
	}
	if _, err := NewService(nil, nil, ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if err := At(-3).Validate(); !errors.Is(err, ErrInvalidOffset) {
		t.Fatalf("expected invalid offset error, got %v", err)
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
