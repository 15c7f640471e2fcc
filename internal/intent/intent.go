// Package intent pulls service add/remove directives out of finalized assistant turns.
package intent

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/catalog"
	"github.com/chadiek/voice-checkout/internal/logger"
)

var (
	addPattern = regexp.MustCompile(`(?i)services?\s+(\d+)`)

	removePatterns = []*regexp.Regexp{
		// "no longer need service 4", "removing service 4", "drop 3"
		regexp.MustCompile(`(?i)\b(?:no longer needs?|(?:do not|does not|don't|doesn't|dont) need|remov(?:e|es|ing|ed)|drop(?:s|ping|ped)?|discard(?:s|ing|ed)?|eliminat(?:e|es|ing|ed))\s+(?:the\s+)?(?:services?\s+)?(\d+)`),
		// "service 2 is no longer needed"
		regexp.MustCompile(`(?i)(?:services?\s+)?(\d+)\s+(?:is|are)\s+(?:no longer needed|not needed|not necessary|unnecessary)`),
	}
)

// Listener receives directives. Either callback may be nil.
type Listener struct {
	OnAdd    func(numbers []int)
	OnRemove func(numbers []int)
}

// Result is what one utterance asked for.
type Result struct {
	Add    []int
	Remove []int
}

// ExtractAdds returns every "service N" mention in order, restricted to catalog
// numbers. Repeats are kept.
func ExtractAdds(text string) []int {
	var out []int
	for _, m := range addPattern.FindAllStringSubmatch(text, -1) {
		if n, ok := parseNumber(m[1]); ok {
			out = append(out, n)
		}
	}
	return out
}

// ExtractRemovals returns the numbers the text says are no longer wanted,
// de-duplicated in first-seen order.
func ExtractRemovals(text string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, re := range removePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, ok := parseNumber(m[1])
			if !ok || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func parseNumber(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || !catalog.ValidNumber(n) {
		return 0, false
	}
	return n, true
}

// Extractor runs both passes over a turn and notifies its listener.
type Extractor struct {
	listener Listener
	log      *zap.SugaredLogger
}

func NewExtractor(l Listener, log *zap.SugaredLogger) *Extractor {
	return &Extractor{listener: l, log: logger.OrNop(log)}
}

// Process extracts directives from text. Adds are delivered before removes, and
// an empty list is never delivered.
func (e *Extractor) Process(text string) Result {
	res := Result{Add: ExtractAdds(text), Remove: ExtractRemovals(text)}
	if len(res.Add) > 0 && e.listener.OnAdd != nil {
		e.log.Debugf("intent: add services %v", res.Add)
		e.listener.OnAdd(res.Add)
	}
	if len(res.Remove) > 0 && e.listener.OnRemove != nil {
		e.log.Debugf("intent: remove services %v", res.Remove)
		e.listener.OnRemove(res.Remove)
	}
	return res
}
