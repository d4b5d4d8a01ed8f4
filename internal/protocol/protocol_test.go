package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blackwell-systems/pkgd/internal/session"
)

func TestRequestRoundTrip(t *testing.T) {
	original := &Request{
		Op: OpSubmit,
		Submit: &session.SubmitRequest{
			ID: 4,
			Children: []session.SubmitRequest{
				{ID: 5, Paths: []string{"/incoming/com.a@2.img"}},
				{ID: 6, Paths: []string{"/incoming/com.b@3.img"}},
			},
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, original); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	decoded, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}

	if decoded.Op != OpSubmit {
		t.Errorf("Op = %q, want %q", decoded.Op, OpSubmit)
	}
	if decoded.Submit == nil || decoded.Submit.ID != 4 {
		t.Fatalf("Submit = %+v, want id 4", decoded.Submit)
	}
	if len(decoded.Submit.Children) != 2 || decoded.Submit.Children[1].Paths[0] != "/incoming/com.b@3.img" {
		t.Errorf("Children = %+v, want the submitted group", decoded.Submit.Children)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	original := &Response{
		OK: true,
		Sessions: []SessionInfo{
			{ID: 1, State: "ACTIVATED", ChildIDs: []int64{2}, Images: []string{"com.a@2"}},
		},
		Packages: []string{"com.a@2", "com.b@1"},
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, original); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	decoded, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}

	if !decoded.OK {
		t.Error("OK = false, want true")
	}
	if len(decoded.Sessions) != 1 || decoded.Sessions[0].State != "ACTIVATED" {
		t.Errorf("Sessions = %+v, want one ACTIVATED session", decoded.Sessions)
	}
	if len(decoded.Packages) != 2 {
		t.Errorf("Packages = %v, want 2 entries", decoded.Packages)
	}
}

func TestErrorResponseCarriesKind(t *testing.T) {
	original := &Response{
		OK:        false,
		ErrorKind: KindBusyResource,
		Error:     "resource busy: unmount /pkgroot/com.a@1",
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, original); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	decoded, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}

	if decoded.OK || decoded.ErrorKind != KindBusyResource {
		t.Errorf("decoded = %+v, want BusyResource error", decoded)
	}
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(maxMessageSize+1)); err != nil {
		t.Fatalf("write length: %v", err)
	}

	if _, err := ReadRequest(&buf); err == nil {
		t.Error("ReadRequest should reject an oversized message")
	}
}

func TestReadTruncatedMessage(t *testing.T) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(100)); err != nil {
		t.Fatalf("write length: %v", err)
	}
	buf.WriteString("short")

	if _, err := ReadRequest(&buf); err == nil {
		t.Error("ReadRequest should fail on a truncated payload")
	}
}
