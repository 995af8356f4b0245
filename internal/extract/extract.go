// Package extract recovers event records from one page of the venue's HTML
// listing.
//
// Extraction is best-effort. Each event sits in its own block; a block
// missing any required field is dropped and the rest of the page is still
// processed. A page without a usable "next" control is the last page.
package extract

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
)

// Default markup shape of the listing.
const (
	DefaultBlockSelector = "article.post"
	DefaultPagerSelector = "div.pager"
	DefaultNextLabel     = "Вперёд"
	DefaultPageParam     = "start"
)

// Record is one extracted event before fingerprinting.
type Record struct {
	// MonthKey is the YYYYMM key derived from the inferred year and month.
	MonthKey  string
	Timestamp time.Time
	Title     string
}

// Page is the outcome of extracting one listing page.
type Page struct {
	Records []Record
	// Next is the start offset of the following page; valid only if HasNext.
	Next    int
	HasNext bool
}

// Extractor turns a raw payload into records.
type Extractor interface {
	Extract(body []byte) Page
}

// Options configures an HTMLExtractor. Zero fields take the defaults above.
type Options struct {
	// MonthNames maps lower-case month names to 1..12. Required.
	MonthNames map[string]int
	// Location is the zone listing times are expressed in. Default time.Local.
	Location *time.Location
	// Now supplies the current time for year inference. Default time.Now.
	Now func() time.Time

	BlockSelector string
	PagerSelector string
	// NextLabel is the title attribute of the pager's "next page" link.
	NextLabel string
	// PageParam is the query parameter carrying the next start offset.
	PageParam string
}

// HTMLExtractor parses the venue's listing markup.
type HTMLExtractor struct {
	months    map[string]int
	loc       *time.Location
	now       func() time.Time
	block     string
	pager     string
	nextLabel string
	param     string
}

// NewHTMLExtractor builds an extractor, filling defaults.
func NewHTMLExtractor(opts Options) *HTMLExtractor {
	e := &HTMLExtractor{
		months:    make(map[string]int, len(opts.MonthNames)),
		loc:       opts.Location,
		now:       opts.Now,
		block:     opts.BlockSelector,
		pager:     opts.PagerSelector,
		nextLabel: opts.NextLabel,
		param:     opts.PageParam,
	}
	for name, n := range opts.MonthNames {
		e.months[strings.ToLower(strings.TrimSpace(name))] = n
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.block == "" {
		e.block = DefaultBlockSelector
	}
	if e.pager == "" {
		e.pager = DefaultPagerSelector
	}
	if e.nextLabel == "" {
		e.nextLabel = DefaultNextLabel
	}
	if e.param == "" {
		e.param = DefaultPageParam
	}
	return e
}

// Extract parses body. It never fails: unreadable markup yields an empty last page.
func (e *HTMLExtractor) Extract(body []byte) Page {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		appLog.Error("listing parse failed", err, "bytes", len(body))
		return Page{}
	}

	var out Page
	now := e.now().In(e.loc)
	doc.Find(e.block).Each(func(i int, block *goquery.Selection) {
		rec, ok := e.record(block, now)
		if !ok {
			metrics.BlocksSkipped.Inc()
			appLog.Debug("listing block skipped", "index", i)
			return
		}
		out.Records = append(out.Records, rec)
	})
	metrics.RecordsExtracted.Add(float64(len(out.Records)))

	out.Next, out.HasNext = e.nextOffset(doc)
	return out
}

// record recovers one event from a block. The spans carry, in order,
// "<weekday> HH:MM", the day of month and the month name.
func (e *HTMLExtractor) record(block *goquery.Selection, now time.Time) (Record, bool) {
	spans := block.Find("span")
	if spans.Length() < 3 {
		return Record{}, false
	}

	hour, minute, ok := parseClock(spans.Eq(0).Text())
	if !ok {
		return Record{}, false
	}
	day, err := strconv.Atoi(cleanText(spans.Eq(1).Text()))
	if err != nil {
		return Record{}, false
	}
	month, ok := e.months[strings.ToLower(cleanText(spans.Eq(2).Text()))]
	if !ok || month < 1 || month > 12 {
		return Record{}, false
	}

	year := InferYear(time.Month(month), now)
	if day < 1 || day > daysIn(year, time.Month(month)) {
		return Record{}, false
	}

	title := linkTitle(block)
	if title == "" && spans.Length() > 7 {
		title = cleanText(spans.Eq(7).Text())
	}
	if title == "" {
		return Record{}, false
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, 0, 0, e.loc)
	return Record{
		MonthKey:  model.MonthKey(ts),
		Timestamp: ts,
		Title:     title,
	}, true
}

// InferYear places month in the current year unless it is already behind
// the current month, in which case the listing has rolled into next year.
func InferYear(month time.Month, now time.Time) int {
	year := now.Year()
	if month < now.Month() {
		year++
	}
	return year
}

// linkTitle reads the event link in the block's third paragraph: its title
// attribute, else its text.
func linkTitle(block *goquery.Selection) string {
	link := block.Find("p").Eq(2).Find("a").First()
	if link.Length() == 0 {
		return ""
	}
	if t, ok := link.Attr("title"); ok {
		if t = cleanText(t); t != "" {
			return t
		}
	}
	return cleanText(link.Text())
}

// nextOffset finds the single pager's "next" link and decodes its offset.
func (e *HTMLExtractor) nextOffset(doc *goquery.Document) (int, bool) {
	pagers := doc.Find(e.pager)
	if pagers.Length() == 0 {
		return 0, false
	}
	var href string
	pagers.First().Find("a[title]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if t, _ := a.Attr("title"); cleanText(t) == e.nextLabel {
			href, _ = a.Attr("href")
			return false
		}
		return true
	})
	if href == "" {
		return 0, false
	}

	raw := ""
	if u, err := url.Parse(href); err == nil {
		raw = u.Query().Get(e.param)
	}
	if raw == "" {
		// Fall back to whatever follows the last '='.
		if i := strings.LastIndexByte(href, '='); i >= 0 {
			raw = href[i+1:]
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseClock finds the HH:MM token in s.
func parseClock(s string) (hour, minute int, ok bool) {
	for _, f := range strings.Fields(cleanText(s)) {
		h, m, found := strings.Cut(f, ":")
		if !found || len(m) != 2 {
			continue
		}
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil {
			continue
		}
		if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return 0, 0, false
		}
		return hh, mm, true
	}
	return 0, 0, false
}

// cleanText trims ASCII whitespace and non-breaking spaces.
func cleanText(s string) string {
	return strings.Trim(s, " \n\t\r\u00a0")
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
