package registry

import "testing"

func TestValidateURL(t *testing.T) {
	cases := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      bool
	}{
		{"valid https", "https://node.example.com", false, false},
		{"valid http", "http://node.example.com:8000", false, false},
		{"ftp scheme rejected", "ftp://node.example.com", false, true},
		{"localhost rejected", "http://localhost:8000", false, true},
		{"loopback ip rejected", "http://127.0.0.1:8000", false, true},
		{"loopback ipv6 rejected", "http://[::1]:8000", false, true},
		{"unspecified ipv4 rejected", "http://0.0.0.0:8000", false, true},
		{"unspecified ipv6 rejected", "http://[::]:8000", false, true},
		{"private 10/8 rejected by default", "http://10.1.2.3", false, true},
		{"private 172.16/12 rejected by default", "http://172.16.0.1", false, true},
		{"private 192.168/16 rejected by default", "http://192.168.0.1", false, true},
		{"link-local rejected by default", "http://169.254.1.1", false, true},
		{"private allowed when flagged", "http://10.1.2.3", true, false},
		{"malformed url", "::not a url::", false, true},
		{"missing host", "http://", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateURL(tc.url, tc.allowPrivate)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %q, got nil", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error for %q, got %v", tc.url, err)
			}
		})
	}
}

func TestValidateURLIsPureFunction(t *testing.T) {
	// Idempotent-URL-validation law: same input, same flag, same result.
	for i := 0; i < 3; i++ {
		if err := ValidateURL("http://10.1.2.3", false); err == nil {
			t.Fatal("expected stable rejection across repeated calls")
		}
	}
}
