package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"op":"ping"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
	if _, err := ReadFrameMax(bytes.NewReader(frame), 4); err == nil {
		t.Fatalf("expected frame over max to be rejected")
	}
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}

func TestRelayRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := RelayRequest{Op: OpWrite, Path: "inbox/bob/m1", Value: []byte{0, 1, 2}}
	if err := WriteRelay(&buf, req); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	resp := RelayResponse{OK: true, Entries: map[string][]byte{"a/b": []byte("x")}}
	if err := WriteRelay(&buf, resp); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var gotReq RelayRequest
	if err := ReadRelay(&buf, SoftMaxFrameSize, &gotReq); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if gotReq.Op != OpWrite || gotReq.Path != req.Path || !bytes.Equal(gotReq.Value, req.Value) {
		t.Fatalf("request mismatch: %+v", gotReq)
	}
	var gotResp RelayResponse
	if err := ReadRelay(&buf, MaxFrameSize, &gotResp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !gotResp.OK || string(gotResp.Entries["a/b"]) != "x" {
		t.Fatalf("response mismatch: %+v", gotResp)
	}
}

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{"direct", `{"from":"a","data":"ct","id":"m1","timestamp":1,"chainId":"c","index":3}`, KindDirect},
		{"direct-unindexed", `{"from":"a","data":"ct","id":"m1","timestamp":1}`, KindDirect},
		{"group", `{"from":"a","data":"ct","id":"m1","groupId":"g1"}`, KindGroup},
		{"legacy", `{"from":"a","content":"ct","id":"m1","senderEncryptionKey":"k"}`, KindLegacy},
	}
	for _, tc := range cases {
		m, err := Decode([]byte(tc.in))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		if m.Kind() != tc.want {
			t.Fatalf("%s: kind %v, want %v", tc.name, m.Kind(), tc.want)
		}
		if m.Head().From != "a" || m.Head().ID != "m1" {
			t.Fatalf("%s: header mismatch %+v", tc.name, m.Head())
		}
	}

	d, _ := Decode([]byte(cases[0].in))
	if de := d.(*DirectEnvelope); !de.HasIndex || de.Index != 3 || de.ChainID != "c" {
		t.Fatalf("direct fields lost: %+v", de)
	}
	u, _ := Decode([]byte(cases[1].in))
	if u.(*DirectEnvelope).HasIndex {
		t.Fatalf("missing index must not decode as index 0")
	}
}

func TestDecodeRejects(t *testing.T) {
	bad := []string{
		`not json`,
		`{"data":"ct","id":"m1"}`,
		`{"from":"a","data":"ct"}`,
		`{"from":"a","id":"m1"}`,
		`{"from":"a","id":"m1","groupId":"g"}`,
		`{"from":"a","id":"m1","content":"ct"}`,
		`{"from":"a","id":"m1","data":"ct","index":-1}`,
	}
	for _, in := range bad {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrBadEnvelope) {
			t.Fatalf("expected ErrBadEnvelope for %s, got %v", in, err)
		}
	}
}

func TestEncodeDecodeDirect(t *testing.T) {
	in := &DirectEnvelope{
		Header:   Header{ID: "m1", From: "alice", Timestamp: 42},
		Data:     "ct",
		ChainID:  "c",
		Index:    0,
		HasIndex: true,
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got := out.(*DirectEnvelope)
	if *got != *in {
		t.Fatalf("mismatch: %+v vs %+v", got, in)
	}
}

func TestIDs(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == b || len(a) != 32 || bytes.ContainsAny([]byte(a), "-/") {
		t.Fatalf("bad message ids %q %q", a, b)
	}
	prev := NewMessageID()
	for i := 0; i < 1000; i++ {
		next := NewMessageID()
		if next <= prev {
			t.Fatalf("message ids out of creation order: %q then %q", prev, next)
		}
		prev = next
	}
	if len(NewGroupID()) != 25 {
		t.Fatalf("bad group id")
	}
	if ContentDigest([]byte("hi")) == ContentDigest([]byte("ho")) {
		t.Fatalf("digest collision")
	}
}
