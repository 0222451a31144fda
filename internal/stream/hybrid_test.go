package stream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/doomervibe/fleuve/internal/enginetest"
	"github.com/doomervibe/fleuve/internal/messaging"
)

func newParseOnlyHybrid(t *testing.T) *HybridReader {
	t.Helper()
	s := enginetest.NewMemStore()
	cdc := newParcelCodec(t)
	base := newTestReader(t, "parcel_tail", s, cdc, Options{})
	return &HybridReader{Reader: base}
}

func TestHybridParsesWireFormat(t *testing.T) {
	h := newParseOnlyHybrid(t)

	body, err := h.cdc.EncodeEvent(parcelScanned{Hub: "NRT"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	msg := &nats.Msg{
		Subject: messaging.EventSubject("parcel", "parcel_scanned"),
		Data:    body,
		Header: nats.Header{
			messaging.HeaderWorkflowID:      []string{"parcel-9"},
			messaging.HeaderWorkflowType:    []string{"parcel"},
			messaging.HeaderWorkflowVersion: []string{"4"},
			messaging.HeaderEventType:       []string{"parcel_scanned"},
			messaging.HeaderGlobalID:        []string{"17"},
			messaging.HeaderSchemaVersion:   []string{"1"},
			messaging.HeaderAt:              []string{at.Format(time.RFC3339Nano)},
			messaging.HeaderMetadata:        []string{`{"tags":["express"]}`},
		},
	}

	ev, err := h.parse(msg)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.GlobalID != 17 || ev.WorkflowID != "parcel-9" || ev.WorkflowVersion != 4 {
		t.Fatalf("Wrong identity: %+v", ev)
	}
	if !ev.At.Equal(at) {
		t.Errorf("At = %v, want %v", ev.At, at)
	}
	scanned, ok := ev.Event.(parcelScanned)
	if !ok || scanned.Hub != "NRT" {
		t.Fatalf("Decoded %#v, want parcelScanned{Hub: NRT}", ev.Event)
	}
	tags := ev.EventTags()
	if len(tags) != 1 || tags[0] != "express" {
		t.Errorf("EventTags() = %v, want [express]", tags)
	}
}

func TestHybridParseRejectsBrokenHeaders(t *testing.T) {
	h := newParseOnlyHybrid(t)

	body, err := h.cdc.EncodeEvent(parcelScanned{Hub: "NRT"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	base := nats.Header{
		messaging.HeaderWorkflowID:      []string{"parcel-9"},
		messaging.HeaderWorkflowVersion: []string{"4"},
		messaging.HeaderEventType:       []string{"parcel_scanned"},
		messaging.HeaderGlobalID:        []string{"17"},
		messaging.HeaderSchemaVersion:   []string{"1"},
		messaging.HeaderAt:              []string{time.Now().UTC().Format(time.RFC3339Nano)},
	}

	for _, corrupt := range []string{
		messaging.HeaderGlobalID,
		messaging.HeaderWorkflowVersion,
		messaging.HeaderSchemaVersion,
		messaging.HeaderAt,
	} {
		hdr := nats.Header{}
		for k, v := range base {
			hdr[k] = v
		}
		hdr.Set(corrupt, "not-a-number")
		if _, err := h.parse(&nats.Msg{Data: body, Header: hdr}); err == nil {
			t.Errorf("parse accepted corrupted %s header", corrupt)
		}
	}
}

func TestHybridRequiresUnfilteredReader(t *testing.T) {
	s := enginetest.NewMemStore()
	cdc := newParcelCodec(t)

	_, err := NewHybridReader("parcel_tail", s, cdc, parcelDef{}, nil, Options{})
	if err == nil {
		t.Fatal("Expected error for nil jetstream context")
	}
}

func TestMsgIDFormat(t *testing.T) {
	if got := messaging.MsgID("parcel-9", 4); got != "parcel-9:4" {
		t.Fatalf("MsgID = %q, want parcel-9:4", got)
	}
}
