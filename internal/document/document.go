// Package document renders a refined transcript as a Word (.docx) document.
//
// The output is a minimal Office Open XML package: a heading with the meeting
// title, a bold date line, a separator and one 11 pt paragraph per block of
// body text.
package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MediaType is the content type of the rendered documents.
const MediaType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Separator is the rule printed between the header and the body.
var Separator = strings.Repeat("_", 50)

// bodySize is the body font size in half-points.
const bodySize = 22

// Renderer writes documents to disk. The zero value is ready to use.
type Renderer struct{}

// Render writes the document for title, date and body to outputPath, creating
// missing parent directories, and returns the path written.
func (Renderer) Render(title string, date time.Time, body, outputPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("document: create directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, title, date, body); err != nil {
		return "", err
	}
	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("document: write %q: %w", outputPath, err)
	}
	return outputPath, nil
}

// Write encodes the document as a .docx package into w.
func Write(w io.Writer, title string, date time.Time, body string) error {
	zw := zip.NewWriter(w)
	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", contentTypes},
		{"_rels/.rels", rootRels},
		{"word/_rels/document.xml.rels", documentRels},
		{"word/styles.xml", styles},
		{"word/document.xml", documentXML(title, date, body)},
	}
	for _, p := range parts {
		f, err := zw.Create(p.name)
		if err != nil {
			return fmt.Errorf("document: create %s: %w", p.name, err)
		}
		if _, err := io.WriteString(f, p.content); err != nil {
			return fmt.Errorf("document: write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("document: finish package: %w", err)
	}
	return nil
}

// Paragraphs splits text on blank lines and drops empty blocks.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

func documentXML(title string, date time.Time, body string) string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	b.WriteString(`<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr>`)
	writeRun(&b, title, "")
	b.WriteString(`</w:p>`)

	b.WriteString(`<w:p>`)
	writeRun(&b, "Date: "+date.UTC().Format("02/01/2006"), `<w:b/>`)
	b.WriteString(`</w:p>`)

	b.WriteString(`<w:p>`)
	writeRun(&b, Separator, "")
	b.WriteString(`</w:p>`)

	size := fmt.Sprintf(`<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, bodySize, bodySize)
	for _, para := range Paragraphs(body) {
		b.WriteString(`<w:p>`)
		for i, line := range strings.Split(para, "\n") {
			if i > 0 {
				b.WriteString(`<w:r><w:br/></w:r>`)
			}
			writeRun(&b, line, size)
		}
		b.WriteString(`</w:p>`)
	}

	b.WriteString(`<w:sectPr/></w:body></w:document>`)
	return b.String()
}

func writeRun(b *strings.Builder, text, props string) {
	b.WriteString(`<w:r>`)
	if props != "" {
		b.WriteString(`<w:rPr>` + props + `</w:rPr>`)
	}
	b.WriteString(`<w:t xml:space="preserve">`)
	xml.EscapeText(b, []byte(text))
	b.WriteString(`</w:t></w:r>`)
}

const contentTypes = xml.Header + `<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>
</Types>`

const rootRels = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

const documentRels = xml.Header + `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>
</Relationships>`

const styles = xml.Header + `<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/><w:rPr><w:sz w:val="22"/></w:rPr></w:style>
<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/><w:next w:val="Normal"/><w:pPr><w:spacing w:before="240" w:after="120"/><w:outlineLvl w:val="0"/></w:pPr><w:rPr><w:b/><w:sz w:val="32"/></w:rPr></w:style>
</w:styles>`
