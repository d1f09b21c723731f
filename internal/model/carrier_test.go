package model

import "testing"

func TestNumericFilingID(t *testing.T) {
	tests := []struct {
		name       string
		tracking   string
		wantID     string
		wantRestr  bool
	}{
		{"simple prefix", "PRGR-134052987", "134052987", false},
		{"group restricted", "PRGR-134052987G", "134052987", true},
		{"lowercase g", "ABC-9912g", "9912", true},
		{"no prefix", "12345", "12345", false},
		{"no digits at all", "ABCDEF", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, restricted := NumericFilingID(tt.tracking)
			if id != tt.wantID || restricted != tt.wantRestr {
				t.Errorf("NumericFilingID(%q) = (%q, %v), want (%q, %v)",
					tt.tracking, id, restricted, tt.wantID, tt.wantRestr)
			}
		})
	}
}
