package push

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		wantBug int
	}{
		{"update", `{"command":"update","bug":123,"when":"2024-05-01T10:00:00Z"}`, false, 123},
		{"update without when", `{"command":"update","bug":5}`, false, 5},
		{"update with unzoned when", `{"command":"update","bug":5,"when":"2014-02-11T18:58:21"}`, false, 5},
		{"update with space-separated when", `{"command":"update","bug":6,"when":"2014-02-11 18:58:21"}`, false, 6},
		{"update with epoch when", `{"command":"update","bug":7,"when":1392144000}`, false, 7},
		{"update with null when", `{"command":"update","bug":8,"when":null}`, false, 8},
		{"subscribe ack", `{"command":"subscribe","result":"ok","bugs":[1,2]}`, false, 0},
		{"unsubscribe ack", `{"command":"unsubscribe","result":"ok","bugs":[1]}`, false, 0},
		{"update without bug", `{"command":"update"}`, true, 0},
		{"unknown command", `{"command":"version"}`, true, 0},
		{"not json", `hello`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := decode([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Errorf("decode() error = %v, want ErrMalformedMessage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode() failed: %v", err)
			}
			if m.Bug != tt.wantBug {
				t.Errorf("Bug = %d, want %d", m.Bug, tt.wantBug)
			}
		})
	}
}
