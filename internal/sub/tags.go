package sub

import (
	"regexp"
	"strconv"
	"strings"
)

type keyword struct {
	tag   string
	words []string
	// ascii words match only as whole tokens.
	ascii []string
}

var regions = []keyword{
	{tag: "HK", words: []string{"香港"}, ascii: []string{"HK", "Hong Kong", "HongKong"}},
	{tag: "TW", words: []string{"台湾", "台灣", "臺灣"}, ascii: []string{"TW", "Taiwan"}},
	{tag: "JP", words: []string{"日本", "东京", "大阪"}, ascii: []string{"JP", "Japan", "Tokyo"}},
	{tag: "SG", words: []string{"新加坡", "狮城"}, ascii: []string{"SG", "Singapore"}},
	{tag: "US", words: []string{"美国", "美國"}, ascii: []string{"US", "USA", "United States"}},
	{tag: "KR", words: []string{"韩国", "韓國"}, ascii: []string{"KR", "Korea"}},
	{tag: "GB", words: []string{"英国", "英國"}, ascii: []string{"UK", "GB", "United Kingdom"}},
	{tag: "DE", words: []string{"德国", "德國"}, ascii: []string{"DE", "Germany"}},
}

var features = []keyword{
	{tag: "IPLC", ascii: []string{"IPLC"}},
	{tag: "IEPL", ascii: []string{"IEPL"}},
	{tag: "BGP", ascii: []string{"BGP"}},
	{tag: "Premium", words: []string{"高级", "专线"}, ascii: []string{"Premium", "Pro"}},
	{tag: "Game", words: []string{"游戏"}, ascii: []string{"Game", "Gaming"}},
	{tag: "Stream", words: []string{"流媒体", "解锁"}, ascii: []string{"Stream", "Netflix", "NF"}},
}

var (
	multPrefix = regexp.MustCompile(`(?:^|[^A-Za-z0-9])[xX×]\s?(\d+(?:\.\d+)?)(?:$|[^A-Za-z0-9.])`)
	multSuffix = regexp.MustCompile(`(?:^|[^A-Za-z0-9.])(\d+(?:\.\d+)?)\s?[xX×倍](?:$|[^A-Za-z0-9])`)
	multLabel  = regexp.MustCompile(`倍率\s*[:：]?\s*(\d+(?:\.\d+)?)`)
)

// ExtractTags derives content tags and the rate multiplier from a display
// name. It never fails; an unrecognized name yields no tags and 1.
func ExtractTags(name string) ([]string, float64) {
	var tags []string
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}

	if cc := flagRegion(name); cc != "" {
		if cc == "UK" {
			cc = "GB"
		}
		add(cc)
	}
	for _, kw := range regions {
		if kw.match(name) {
			add(kw.tag)
		}
	}
	for _, kw := range features {
		if kw.match(name) {
			add(kw.tag)
		}
	}
	return tags, multiplier(name)
}

func (k keyword) match(name string) bool {
	for _, w := range k.words {
		if strings.Contains(name, w) {
			return true
		}
	}
	for _, w := range k.ascii {
		if containsToken(name, w) {
			return true
		}
	}
	return false
}

// containsToken matches w case-insensitively when it is not embedded in a
// longer ASCII word. Short all-caps codes ("HK", "US") match case-sensitively.
func containsToken(name, w string) bool {
	hay, needle := name, w
	if len(w) > 3 || strings.ToUpper(w) != w {
		hay, needle = strings.ToLower(name), strings.ToLower(w)
	}
	from := 0
	for {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			return false
		}
		i += from
		j := i + len(needle)
		if (i == 0 || !isASCIIAlpha(hay[i-1])) && (j == len(hay) || !isASCIIAlpha(hay[j])) {
			return true
		}
		from = i + 1
	}
}

func isASCIIAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// flagRegion decodes the first regional-indicator pair (a flag emoji) into
// its two-letter code.
func flagRegion(name string) string {
	const base = 0x1F1E6
	runes := []rune(name)
	for i := 0; i+1 < len(runes); i++ {
		a, b := runes[i], runes[i+1]
		if a >= base && a <= base+25 && b >= base && b <= base+25 {
			return string([]rune{'A' + (a - base), 'A' + (b - base)})
		}
	}
	return ""
}

func multiplier(name string) float64 {
	for _, re := range []*regexp.Regexp{multLabel, multPrefix, multSuffix} {
		if m := re.FindStringSubmatch(name); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v <= 100 {
				return v
			}
		}
	}
	return 1
}
