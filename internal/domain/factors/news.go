package factors

import (
	"strings"
	"time"
	"unicode"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
)

// Keyword lexicon used when a provider does not attach sentiment. Matching is
// substring based on Turkish-lowercased titles.
var (
	positiveWords = []string{
		"rekor", "kâr", "kar artışı", "artış", "yükseliş", "temettü", "büyüme", "anlaşma", "ihale", "yatırım", "onay",
		"record", "profit", "growth", "beat", "upgrade", "dividend", "contract", "approval", "surge",
	}
	negativeWords = []string{
		"zarar", "düşüş", "ceza", "soruşturma", "iflas", "dava", "kayıp", "grev", "iptal",
		"loss", "decline", "fine", "inquiry", "lawsuit", "downgrade", "miss", "bankruptcy", "strike",
	}
)

// News averages headline sentiment inside the lookback window ending at now
func (b *Builder) News(headlines []market.Headline, now time.Time) Score {
	from := now.Add(-b.config.NewsLookback)

	var sum float64
	var n int
	for _, h := range headlines {
		if h.PublishedAt.Before(from) || h.PublishedAt.After(now) {
			continue
		}
		if h.Sentiment != nil {
			sum += clampUnit(*h.Sentiment)
		} else {
			sum += LexiconSentiment(h.Title)
		}
		n++
	}
	if n == 0 {
		return neutral(ReasonNoRecentNews)
	}

	return computed(Neutral + 50*(sum/float64(n)))
}

// LexiconSentiment rates a headline in [-1,1] from keyword hits
func LexiconSentiment(title string) float64 {
	text := strings.ToLowerSpecial(unicode.TurkishCase, title)
	var pos, neg int
	for _, w := range positiveWords {
		if strings.Contains(text, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(text, w) {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
