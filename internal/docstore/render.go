package docstore

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/docintel/internal/resilience"
)

// ErrNotExtractable marks documents whose format has no text rendering,
// such as PDFs, legacy spreadsheets and images.
var ErrNotExtractable = eris.New("docstore: document format is not extractable")

// maxTableRows caps CSV rendering; later rows are summarized.
const maxTableRows = 2000

// Render turns document bytes into text for the extraction pipeline, using
// the file name's extension to pick the format. Tabular files and
// workbooks become markdown tables.
func Render(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf", ".xls", ".docx", ".doc", ".pptx",
		".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".heic", ".zip":
		return "", eris.Wrapf(ErrNotExtractable, "docstore: %s", name)
	case ".xlsx", ".xlsm":
		return renderWorkbook(name, data)
	}

	text, err := DecodeText(data)
	if err != nil {
		return "", err
	}

	switch ext {
	case ".csv":
		return renderTable(text, ',')
	case ".tsv":
		return renderTable(text, '\t')
	case ".json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(text), "", "  "); err != nil {
			return "", eris.Wrapf(err, "docstore: parse json %s", name)
		}
		return "```json\n" + buf.String() + "\n```", nil
	case ".txt", ".text", ".md", ".markdown", "":
		return text, nil
	default:
		if strings.ContainsRune(text, 0) {
			return "", eris.Wrapf(ErrNotExtractable, "docstore: %s looks binary", name)
		}
		return text, nil
	}
}

// DecodeText converts document bytes to UTF-8. Byte order marks select
// UTF-8 or UTF-16; other invalid UTF-8 is read as Windows-1252, the usual
// encoding of spreadsheet exports.
func DecodeText(data []byte) (string, error) {
	charset := ""
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		charset = "utf-16le"
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		charset = "utf-16be"
	case utf8.Valid(data):
		return string(data), nil
	default:
		charset = "windows-1252"
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", eris.Wrapf(err, "docstore: unsupported charset %q", charset)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", eris.Wrapf(err, "docstore: decode %s", charset)
	}
	return strings.TrimPrefix(string(out), "\ufeff"), nil
}

func renderTable(text string, delim rune) (string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return "", eris.Wrap(err, "docstore: read table")
	}
	return markdownTable(records), nil
}

// renderWorkbook renders every non-empty sheet as a titled markdown table.
func renderWorkbook(name string, data []byte) (string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return "", resilience.NewContentError(fmt.Sprintf("unreadable workbook %s: %v", name, err))
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		records := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = cell.String()
			}
			if !blank(cells) {
				records = append(records, cells)
			}
		}
		if len(records) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + sheet.Name + "\n\n")
		b.WriteString(markdownTable(records))
	}
	if b.Len() == 0 {
		return "", resilience.NewContentError("workbook " + name + " has no data")
	}
	return b.String(), nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// markdownTable renders records with the first row as the header. Rows
// past maxTableRows are summarized.
func markdownTable(records [][]string) string {
	if len(records) == 0 {
		return ""
	}

	width := 0
	for _, rec := range records {
		width = max(width, len(rec))
	}

	var b strings.Builder
	writeRow := func(rec []string) {
		b.WriteString("|")
		for i := range width {
			cell := ""
			if i < len(rec) {
				cell = strings.TrimSpace(rec[i])
			}
			cell = strings.ReplaceAll(cell, "|", "\\|")
			cell = strings.ReplaceAll(cell, "\n", " ")
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}

	writeRow(records[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	rows := records[1:]
	truncated := 0
	if len(rows) > maxTableRows {
		truncated = len(rows) - maxTableRows
		rows = rows[:maxTableRows]
	}
	for _, rec := range rows {
		writeRow(rec)
	}
	if truncated > 0 {
		b.WriteString("\n(" + strconv.Itoa(truncated) + " more rows omitted)\n")
	}
	return b.String()
}
