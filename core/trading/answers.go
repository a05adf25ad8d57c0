package trading

import (
	"context"
	"regexp"
	"strings"
)

type glossaryEntry struct {
	re   *regexp.Regexp
	text string
}

var glossary = []glossaryEntry{
	{regexp.MustCompile(`(?i)\betfs?\b`), "An ETF (exchange-traded fund) is a basket of securities that trades on an exchange like a single stock."},
	{regexp.MustCompile(`(?i)\bstop[- ]loss\b`), "A stop-loss order sells a position automatically once the price falls to a level you set, capping the downside."},
	{regexp.MustCompile(`(?i)\blimit orders?\b`), "A limit order trades only at your stated price or better. It may not fill if the market never reaches it."},
	{regexp.MustCompile(`(?i)\bmarket orders?\b`), "A market order fills immediately at the best available price. Speed is guaranteed, the price is not."},
	{regexp.MustCompile(`(?i)\brebalanc`), "Rebalancing trades a portfolio back toward its target weights after market moves have pushed it off course."},
	{regexp.MustCompile(`(?i)\bdiversif`), "Diversification spreads money across holdings that do not move together, so one loss hurts the whole less."},
	{regexp.MustCompile(`(?i)\b(?:p/?e|price[- ]to[- ]earnings)\b`), "The P/E ratio is the share price divided by earnings per share. Higher values mean the market pays more for each unit of profit."},
	{regexp.MustCompile(`(?i)\bautomation level`), "Automation level 1 runs everything without asking, level 2 asks before major actions such as trades, and level 3 asks before every gated step."},
}

// Glossary answers definitional questions about trading terms.
func Glossary(_ context.Context, query string) (string, bool) {
	q := strings.TrimSpace(query)
	for _, e := range glossary {
		if e.re.MatchString(q) {
			return e.text, true
		}
	}
	return "", false
}
