package wire

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":3,"arch":"amd64","endTStamp":12345678901234,"partial":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	id, ok := msg.ID()
	if !ok || id != 3 {
		t.Errorf("expected id 3, got %d (%v)", id, ok)
	}
	if arch, _ := msg.String("arch"); arch != "amd64" {
		t.Errorf("expected arch amd64, got %q", arch)
	}
	if end, _ := msg.Int("endTStamp"); end != 12345678901234 {
		t.Errorf("unexpected endTStamp %d", end)
	}
	if !msg.BoolOr("partial", false) {
		t.Error("expected partial")
	}
	if msg.Has("terminated") {
		t.Error("unexpected terminated field")
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantID int
		want   error
	}{
		{"truncated", `{"id":9,"cmd":`, 9, ErrInvalidJSON},
		{"garbage", `not json`, 0, ErrInvalidJSON},
		{"array", `[1,2]`, 0, ErrNotObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.line))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.ID != tt.wantID {
				t.Errorf("expected id %d, got %d", tt.wantID, de.ID)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequiredFields(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"name":"x","count":"7"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := msg.RequiredInt("count"); err == nil {
		t.Error("expected type error for string count")
	} else {
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != "count" || fe.Got != "String" {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if _, err := msg.RequiredBool("mapped"); err == nil {
		t.Error("expected missing field error")
	}

	if v := msg.IntOr("start", 42); v != 42 {
		t.Errorf("expected default 42, got %d", v)
	}
}

func TestObjects(t *testing.T) {
	msg, _ := ParseMessage([]byte(`{"pieces":[{"type":"memory"},{"type":"constant"}],"bad":[1]}`))

	objs, ok, err := msg.Objects("pieces")
	if err != nil || !ok {
		t.Fatalf("objects: %v %v", ok, err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}
	if kind, _ := objs[1].String("type"); kind != "constant" {
		t.Errorf("unexpected second piece %q", kind)
	}

	if _, ok, _ := msg.Objects("missing"); ok {
		t.Error("expected missing field to report !ok")
	}
	if _, _, err := msg.Objects("bad"); err == nil {
		t.Error("expected error for non-object elements")
	}
}

func TestFieldsOrder(t *testing.T) {
	msg, _ := ParseMessage([]byte(`{"id":1,"rsp":"7ffc","pc":"401000"}`))

	var keys []string
	msg.Fields(func(key string, value gjson.Result) bool {
		keys = append(keys, key)
		return true
	})

	want := []string{"id", "rsp", "pc"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: expected %q, got %q", i, want[i], keys[i])
		}
	}
}

func TestRequestBuilder(t *testing.T) {
	req := NewRequest("scan", 5).
		Set("map", "MEM_WRITE").
		Set("beginTStamp", 0).
		Set("endTStamp", 100).
		SetRanges("ranges", []Span{{Start: 0x1000, Length: 16}, {Start: 0x2000, Length: 4}})

	b, err := req.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	msg, err := ParseMessage(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if cmd, _ := msg.String("cmd"); cmd != "scan" {
		t.Errorf("unexpected cmd %q", cmd)
	}
	if id, _ := msg.ID(); id != 5 {
		t.Errorf("unexpected id %d", id)
	}
	ranges, _, err := msg.Objects("ranges")
	if err != nil || len(ranges) != 2 {
		t.Fatalf("unexpected ranges %v %v", ranges, err)
	}
	if start, _ := ranges[1].Int("start"); start != 0x2000 {
		t.Errorf("unexpected start %x", start)
	}
}

func TestRequestEmptyRanges(t *testing.T) {
	b, err := NewRequest("readMem", 1).SetRanges("ranges", nil).Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	msg, _ := ParseMessage(b)
	arr, ok := msg.Array("ranges")
	if !ok || len(arr) != 0 {
		t.Errorf("expected empty array, got %s", msg.Raw())
	}
}

func TestParseHexBytes(t *testing.T) {
	b, err := ParseHexBytes("00ff10")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(b) != 3 || b[1] != 0xff || b[2] != 0x10 {
		t.Errorf("unexpected bytes %x", b)
	}

	if _, err := ParseHexBytes("abc"); !errors.Is(err, ErrOddHexLength) {
		t.Errorf("expected ErrOddHexLength, got %v", err)
	}

	b, err = ParseHexBytesPadded("abc")
	if err != nil {
		t.Fatalf("padded: %v", err)
	}
	if len(b) != 2 || b[0] != 0x0a || b[1] != 0xbc {
		t.Errorf("unexpected padded bytes %x", b)
	}

	if FormatHexBytes([]byte{0xde, 0xad}) != "dead" {
		t.Error("format mismatch")
	}
}
