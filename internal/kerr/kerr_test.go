package kerr

import "testing"

func TestErrorForCode(t *testing.T) {
	cases := []struct {
		code int16
		want error
	}{
		{0, nil},
		{-1, UnknownServerError},
		{42, InvalidRequest},
		{33, UnsupportedSaslMechanism},
		{58, SaslAuthenticationFailed},
		{34, IllegalSaslState},
	}
	for _, c := range cases {
		got := ErrorForCode(c.code)
		if got != c.want {
			t.Errorf("ErrorForCode(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestErrorForUnrecognizedCode(t *testing.T) {
	err := ErrorForCode(9999)
	if err == nil {
		t.Fatal("expected a non-nil error for an unrecognized code")
	}
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("got %T, want *Error", err)
	}
	if e.Code != 9999 || e.Name != "UNKNOWN_ERROR_CODE" {
		t.Fatalf("got %+v", e)
	}
}

func TestErrorMessage(t *testing.T) {
	if InvalidRequest.Error() != "INVALID_REQUEST: the request was malformed or violated protocol limits" {
		t.Fatalf("unexpected Error() text: %q", InvalidRequest.Error())
	}
}
