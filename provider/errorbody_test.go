package provider

import "testing"

func TestDecodeJSONErrorBodyParsesMinioStyleError(t *testing.T) {
	body := []byte(`{"Code":"NoSuchKey","Message":"The specified key does not exist."}`)
	got, ok := decodeJSONErrorBody(body)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got.Code != "NoSuchKey" || got.Message != "The specified key does not exist." {
		t.Fatalf("unexpected decoded body: %+v", got)
	}
}

func TestDecodeJSONErrorBodyRejectsNonJSON(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("<Error><Code>NoSuchKey</Code></Error>"),
		[]byte("plain text error"),
	}
	for _, c := range cases {
		if _, ok := decodeJSONErrorBody(c); ok {
			t.Fatalf("expected ok=false for %q", c)
		}
	}
}

func TestDecodeJSONErrorBodyRejectsEmptyObject(t *testing.T) {
	if _, ok := decodeJSONErrorBody([]byte(`{}`)); ok {
		t.Fatalf("expected ok=false for an empty JSON object")
	}
}

func TestStatusErrorNilFor2xx(t *testing.T) {
	res := capturedResult{statusCode: 200}
	if err := res.statusError(); err != nil {
		t.Fatalf("statusError() = %v, want nil", err)
	}
}

func TestStatusErrorNilForZeroStatus(t *testing.T) {
	res := capturedResult{}
	if err := res.statusError(); err != nil {
		t.Fatalf("statusError() = %v, want nil", err)
	}
}

func TestStatusErrorIncludesDecodedMessage(t *testing.T) {
	res := capturedResult{
		statusCode: 404,
		body:       []byte(`{"Code":"NoSuchKey","Message":"not found"}`),
	}
	err := res.statusError()
	if err == nil {
		t.Fatalf("expected non-nil error")
	}
	want := "provider: status 404: NoSuchKey: not found"
	if err.Error() != want {
		t.Fatalf("statusError() = %q, want %q", err.Error(), want)
	}
}

func TestStatusErrorFallsBackToBareStatusWithoutJSONBody(t *testing.T) {
	res := capturedResult{statusCode: 500, body: []byte("<Error/>")}
	err := res.statusError()
	if err == nil {
		t.Fatalf("expected non-nil error")
	}
	want := "provider: status 500"
	if err.Error() != want {
		t.Fatalf("statusError() = %q, want %q", err.Error(), want)
	}
}
