package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "show string", content: "BT (Hello) Tj ET", want: []string{"Hello"}},
		{name: "escapes", content: `BT (a \(b\) \101) Tj ET`, want: []string{"a (b) A"}},
		{name: "hex utf16", content: "BT <FEFF00C9> Tj ET", want: []string{"É"}},
		{name: "lines", content: "BT (one) Tj 0 -14 Td (two) Tj (three) ' ET", want: []string{"one\ntwo\nthree"}},
		{name: "blocks", content: "BT (a) Tj ET BT (b) Tj ET", want: []string{"a", "b"}},
		{name: "outside text object", content: "(ignored) Tj", want: nil},
		{name: "stray paren", content: ") BT (ok) Tj ET", want: []string{"ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentText([]byte(tt.content)))
		})
	}
}

func TestPDFTextSkipsImagesAndUnknownFilters(t *testing.T) {
	data := []byte("%PDF-1.4\n" +
		"1 0 obj\n<< /Subtype /Image /Length 12 >>\nstream\nBT (x) Tj ET\nendstream\nendobj\n" +
		"2 0 obj\n<< /Length 12 /Filter /DCTDecode >>\nstream\nBT (y) Tj ET\nendstream\nendobj\n" +
		"3 0 obj\n<< /Length 12 >>\nstream\nBT (z) Tj ET\nendstream\nendobj\n")
	assert.Equal(t, "z", pdfText(data))
	assert.Empty(t, pdfText([]byte("not a pdf")))
}
