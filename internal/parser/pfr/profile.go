package pfr

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// DefaultField is the bio label the profile parser extracts.
const DefaultField = "High School"

// ProfileParser implements roster.DetailPageParser for one labeled field of
// the profile bio block.
type ProfileParser struct {
	field string
}

// NewProfileParser returns a parser for field, or DefaultField when empty.
func NewProfileParser(field string) *ProfileParser {
	if field == "" {
		field = DefaultField
	}
	return &ProfileParser{field: field}
}

// ParseFact returns the field's text. A page without a bio block is a parse
// error; a bio block without the field is found=false.
func (p *ProfileParser) ParseFact(body []byte) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("read profile page: %w: %w", roster.ErrParse, err)
	}
	meta := doc.Find("div#meta").First()
	if meta.Length() == 0 {
		return "", false, fmt.Errorf("profile bio block not found: %w", roster.ErrParse)
	}

	var (
		text  string
		found bool
	)
	meta.Find("p").EachWithBreak(func(_ int, para *goquery.Selection) bool {
		label := para.Find("strong").First()
		if label.Length() == 0 || strings.TrimSpace(label.Text()) != p.field {
			return true
		}
		text = siblingText(label.Get(0))
		found = text != ""
		return false
	})
	return text, found, nil
}

// siblingText joins the trimmed text of every node after label, dropping the
// bare ":" separator.
func siblingText(label *html.Node) string {
	var parts []string
	for n := label.NextSibling; n != nil; n = n.NextSibling {
		var s string
		switch n.Type {
		case html.TextNode:
			s = strings.TrimSpace(n.Data)
			if s == ":" {
				continue
			}
		case html.ElementNode:
			s = strings.TrimSpace(goquery.NewDocumentFromNode(n).Text())
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
