package pfr

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

const (
	rosterTableID = "roster"
	playerStat    = "player"
)

// RosterParser implements roster.CoarsePageParser.
type RosterParser struct{}

// NewRosterParser returns a roster page parser.
func NewRosterParser() *RosterParser {
	return &RosterParser{}
}

// ParseRoster extracts the header and player rows of the roster table.
func (p *RosterParser) ParseRoster(body []byte) (roster.ParsedRoster, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return roster.ParsedRoster{}, fmt.Errorf("read roster page: %w: %w", roster.ErrParse, err)
	}

	table := doc.Find("table#" + rosterTableID).First()
	if table.Length() == 0 {
		table, err = commentedTable(doc)
		if err != nil {
			return roster.ParsedRoster{}, err
		}
	}
	if table.Length() == 0 {
		return roster.ParsedRoster{}, fmt.Errorf("roster table not found: %w", roster.ErrParse)
	}

	out := roster.ParsedRoster{Columns: headerColumns(table)}
	rows := table.Find("tbody tr")
	if rows.Length() == 0 {
		rows = table.Find("tr")
	}
	rows.Each(func(_ int, tr *goquery.Selection) {
		if strings.Contains(tr.AttrOr("class", ""), "thead") {
			return
		}
		cells := tr.Find("th,td")
		if cells.Length() == 0 {
			return
		}
		playerCell := cells.FilterFunction(func(_ int, c *goquery.Selection) bool {
			return c.AttrOr("data-stat", "") == playerStat
		}).First()
		if playerCell.Length() == 0 {
			return
		}

		row := roster.ParsedRow{Values: make([]string, 0, cells.Length())}
		cells.Each(func(_ int, c *goquery.Selection) {
			row.Values = append(row.Values, cleanText(c.Text()))
		})
		if a := playerCell.Find("a").First(); a.Length() > 0 {
			row.Name = cleanText(a.Text())
			row.ProfileLink = strings.TrimSpace(a.AttrOr("href", ""))
		} else {
			row.Name = cleanText(playerCell.Text())
		}
		if row.Name == "" {
			return
		}
		out.Rows = append(out.Rows, row)
	})
	return out, nil
}

// commentedTable looks for the roster table inside an HTML comment.
func commentedTable(doc *goquery.Document) (*goquery.Selection, error) {
	marker := `id="` + rosterTableID + `"`
	var found string
	for _, root := range doc.Nodes {
		walk(root, func(n *html.Node) bool {
			if n.Type == html.CommentNode && strings.Contains(n.Data, marker) {
				found = n.Data
				return false
			}
			return true
		})
	}
	if found == "" {
		return doc.Find("table").Slice(0, 0), nil
	}

	inner, err := goquery.NewDocumentFromReader(strings.NewReader(found))
	if err != nil {
		return nil, fmt.Errorf("read commented roster: %w: %w", roster.ErrParse, err)
	}
	return inner.Find("table#" + rosterTableID).First(), nil
}

// walk visits n and its descendants depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func headerColumns(table *goquery.Selection) []string {
	head := table.Find("thead tr").Last()
	if head.Length() == 0 {
		return nil
	}
	var cols []string
	head.Find("th,td").Each(func(i int, cell *goquery.Selection) {
		name := cleanText(cell.Text())
		if name == "" {
			name = cell.AttrOr("data-stat", fmt.Sprintf("col%d", i+1))
		}
		cols = append(cols, name)
	})
	return cols
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
