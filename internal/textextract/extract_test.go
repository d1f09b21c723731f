package textextract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalTextPDF is a syntactically valid single-page PDF whose content
// stream renders the given line of text, used to drive Extract end-to-end
// without a fixture file on disk. Object offsets and the xref table are
// computed from the generated bytes so the reader's startxref lookup works.
func minimalTextPDF(t *testing.T, line string) string {
	t.Helper()
	stream := "BT /F1 12 Tf 72 720 Td\n(" + line + ") Tj\nET"
	objects := []string{
		"1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj",
		"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj",
		"3 0 obj<</Type/Page/MediaBox[0 0 612 792]/Parent 2 0 R/Contents 4 0 R/Resources<</Font<</F1 5 0 R>>>>>>endobj",
		fmt.Sprintf("4 0 obj<</Length %d>>stream\n%s\nendstream\nendobj", len(stream), stream),
		"5 0 obj<</Type/Font/Subtype/Type1/BaseFont/Helvetica>>endobj",
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		b.WriteString(obj)
		b.WriteString("\n")
	}
	xrefPos := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objects)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer<</Size %d/Root 1 0 R>>\nstartxref\n%d\n%%%%EOF", len(objects)+1, xrefPos)

	path := filepath.Join(t.TempDir(), "fixture.pdf")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0644))
	return path
}

func TestClassify_RateKeywordsWin(t *testing.T) {
	got := classify("RateFiling.pdf", "Base Rate Table", "territory class code rate rate rate")
	assert.Equal(t, DocTypeRate, got)
}

func TestClassify_RuleKeywordsWin(t *testing.T) {
	got := classify("underwriting_manual.pdf", "Underwriting Rules", "eligibility classification rule")
	assert.Equal(t, DocTypeRule, got)
}

func TestClassify_FormKeywordsWin(t *testing.T) {
	got := classify("HO3.pdf", "Policy Form", "coverage form endorsement declarations")
	assert.Equal(t, DocTypeForm, got)
}

func TestClassify_NoSignalIsOther(t *testing.T) {
	got := classify("misc.pdf", "", "nothing relevant here at all")
	assert.Equal(t, DocTypeOther, got)
}

func TestAllEmpty(t *testing.T) {
	assert.True(t, allEmpty([]Page{{Text: "   "}, {Text: ""}}))
	assert.False(t, allEmpty([]Page{{Text: "hello"}}))
}

func TestExtract_ClassifiesRateDocument(t *testing.T) {
	path := minimalTextPDF(t, "Base Rate territory class code rate schedule")
	res, err := Extract("rate_filing.pdf", path)
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, DocTypeRate, res.DocType)
	assert.Empty(t, res.Warnings)
}

func TestExtract_OpenNonexistentFileFails(t *testing.T) {
	_, err := Extract("missing.pdf", "/nonexistent/path/missing.pdf")
	assert.Error(t, err)
}
