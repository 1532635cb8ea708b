package chunking

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"webrag/src/core/knowledge"
)

// IsHTML reports whether the document body is HTML, by content type or by sniffing.
func IsHTML(doc knowledge.Document) bool {
	if doc.ContentType != "" {
		return strings.Contains(strings.ToLower(doc.ContentType), "html")
	}
	head := strings.ToLower(strings.TrimSpace(doc.Text))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// Normalize converts an HTML body to markdown. When the document carries no
// structured payload, its <table> elements are lifted into Tables.
// Non-HTML documents are returned unchanged.
func Normalize(doc knowledge.Document) (knowledge.Document, error) {
	if !IsHTML(doc) {
		return doc, nil
	}

	if len(doc.Tables) == 0 {
		tables, err := ExtractTables(doc.Text)
		if err != nil {
			return doc, err
		}
		doc.Tables = tables
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(doc.Text)
	if err != nil {
		return doc, fmt.Errorf("failed to convert html to markdown: %w", err)
	}
	doc.Text = markdown
	doc.ContentType = "text/markdown"
	return doc, nil
}

// ExtractTables reads every <table> in the page. Header cells come from <th>,
// or from the first row when the table has none.
func ExtractTables(html string) ([]knowledge.Table, error) {
	page, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var tables []knowledge.Table
	page.Find("table").Each(func(i int, sel *goquery.Selection) {
		table := knowledge.Table{
			Name: strings.TrimSpace(sel.Find("caption").First().Text()),
		}
		if table.Name == "" {
			if id, ok := sel.Attr("id"); ok {
				table.Name = id
			}
		}

		sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var headers, cells []string
			tr.Find("th").Each(func(_ int, th *goquery.Selection) {
				headers = append(headers, cellText(th))
			})
			tr.Find("td").Each(func(_ int, td *goquery.Selection) {
				cells = append(cells, cellText(td))
			})

			switch {
			case len(headers) > 0 && len(cells) == 0 && table.Columns == nil:
				table.Columns = headers
			case len(cells) > 0:
				table.Rows = append(table.Rows, append(headers, cells...))
			}
		})

		if table.Columns == nil && len(table.Rows) > 1 {
			table.Columns = table.Rows[0]
			table.Rows = table.Rows[1:]
		}
		if len(table.Rows) > 0 {
			tables = append(tables, table)
		}
	})
	return tables, nil
}

func cellText(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}
