package scrape

import "testing"

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in       string
		wantOK   bool
		wantSame bool
	}{
		{"Rate Filing.pdf", true, true},
		{"Rate/Filing:2026?.pdf", true, false},
		{"", false, false},
		{"////", true, false},
	}
	for _, c := range cases {
		got, ok := SanitizeFilename(c.in)
		if ok != c.wantOK {
			t.Errorf("SanitizeFilename(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && c.wantSame && got != c.in {
			t.Errorf("SanitizeFilename(%q) = %q, want unchanged", c.in, got)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got, ok := SanitizeFilename(string(long))
	if !ok || len(got) != maxFilenameLength {
		t.Errorf("expected sanitized name trimmed to %d chars, got %d (ok=%v)", maxFilenameLength, len(got), ok)
	}
}

func TestBuildDocumentPath(t *testing.T) {
	path := BuildDocumentPath("/data", "CA", "12345", "ABCD-987654321", "Rate Manual.pdf")
	want := "/data/CA/12345/ABCD-987654321/Rate Manual.pdf"
	if path != want {
		t.Errorf("BuildDocumentPath = %q, want %q", path, want)
	}
}

func TestBuildDocumentPathFallsBackOnUnsanitizableSegments(t *testing.T) {
	path := DocumentDir("/data", "CA", "", "")
	if path == "" {
		t.Fatal("expected a non-empty fallback path")
	}
}
