package record

import (
	"errors"
	"strings"
	"testing"
)

func TestParseForm(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Record
	}{
		{name: "single", body: "username=Ann", want: Record{"username": "Ann"}},
		{name: "two fields", body: "username=Ann&message=hi+there", want: Record{"username": "Ann", "message": "hi there"}},
		{name: "escaped equals splits pair", body: "k%3Dv", want: Record{"k": "v"}},
		{name: "escaped ampersand splits body", body: "a=1%26b=2", want: Record{"a": "1", "b": "2"}},
		{name: "value with equals", body: "expr=1=1", want: Record{"expr": "1=1"}},
		{name: "empty value", body: "note=", want: Record{"note": ""}},
		{name: "duplicate last wins", body: "a=1&a=2", want: Record{"a": "2"}},
		{name: "unicode", body: "name=%C3%85sa", want: Record{"name": "Åsa"}},
	}
	for _, tc := range cases {
		got, err := ParseForm([]byte(tc.body))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseFormRejectsMalformed(t *testing.T) {
	for _, body := range []string{"", "foo", "a=1&foo", "a=1&", "a=%zz", "%zz=1", "msg=a%26b"} {
		_, err := ParseForm([]byte(body))
		if !errors.Is(err, ErrMalformedForm) {
			t.Fatalf("ParseForm(%q) = %v, want malformed form error", body, err)
		}
		var mfe *MalformedFormError
		if !errors.As(err, &mfe) {
			t.Fatalf("ParseForm(%q) error is %T", body, err)
		}
	}
}

func TestEncodeFormRoundTrip(t *testing.T) {
	rec := Record{"username": "Ann Bo", "message": "hello, world? 100% sure"}
	got, err := ParseForm([]byte(EncodeForm(rec)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(rec) {
		t.Fatalf("got %v, want %v", got, rec)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	rec := Record{"username": "Ann", "message": "hello\nworld"}
	data, err := Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(rec) {
		t.Fatalf("got %v, want %v", got, rec)
	}
	empty, err := Marshal(nil)
	if err != nil || string(empty) != "{}" {
		t.Fatalf("Marshal(nil) = %q, %v", empty, err)
	}
}

func TestUnmarshalRejectsNonRecords(t *testing.T) {
	for _, payload := range []string{"", "not json", "[]", "null", `{"a":1}`, `{"a":"b"} {"c":"d"}`, `{"a":"b"}}`, `{"a":"b"}]`, strings.Repeat("{", 3)} {
		_, err := Unmarshal([]byte(payload))
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("Unmarshal(%q) = %v, want decode error", payload, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Size != len(payload) {
			t.Fatalf("Unmarshal(%q) error %#v", payload, err)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	rec := Record{"a": "1"}
	cp := rec.Clone()
	cp["a"] = "2"
	if rec["a"] != "1" {
		t.Fatal("clone mutated original")
	}
	if Record(nil).Clone() != nil {
		t.Fatal("clone of nil should be nil")
	}
}
