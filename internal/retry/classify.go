package retry

import "regexp"

// Kind says whether an error is worth retrying.
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// Category tags the error for logs and recovery decisions.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryRateLimit     Category = "rate_limit"
	CategoryAuth          Category = "auth"
	CategoryServer        Category = "server"
	CategoryValidation    Category = "validation"
	CategoryNotFound      Category = "not_found"
	CategoryContentPolicy Category = "content_policy"
	CategoryUnknown       Category = "unknown"
)

// Classification is the classifier verdict.
type Classification struct {
	Kind     Kind
	Category Category
}

type pattern struct {
	category Category
	re       *regexp.Regexp
}

// Permanent patterns are checked first: misclassifying a permanent error as
// transient burns retry attempts against a wall. All matching is
// case-insensitive on the error's string form, because upstream errors
// arrive as opaque text.
var permanentPatterns = []pattern{
	{CategoryAuth, regexp.MustCompile(`(?i)invalid.?api.?key|unauthorized|authentication|forbidden|\b401\b|\b403\b`)},
	{CategoryValidation, regexp.MustCompile(`(?i)invalid.?request|bad.?request|validation|\b400\b|\b422\b`)},
	{CategoryNotFound, regexp.MustCompile(`(?i)not.?found|no.?such|\b404\b`)},
	{CategoryContentPolicy, regexp.MustCompile(`(?i)content.?policy|content.?filter|safety|flagged`)},
}

var transientPatterns = []pattern{
	{CategoryNetwork, regexp.MustCompile(`(?i)econnreset|econnrefused|etimedout|epipe|socket.?hang.?up|connection.?(reset|refused|closed)|timed?.?out|\bdns\b`)},
	{CategoryRateLimit, regexp.MustCompile(`(?i)\b429\b|rate.?limit|too.?many`)},
	{CategoryServer, regexp.MustCompile(`(?i)\b5\d\d\b|internal.?server|bad.?gateway|service.?unavailable`)},
	{CategoryUnknown, regexp.MustCompile(`(?i)temporar|retry|overloaded|capacity`)},
}

// Classify maps an error to a retry verdict. Permanent patterns win, then
// transient patterns; anything unrecognized defaults to transient so an
// unknown failure gets tried again.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Transient, Category: CategoryUnknown}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage is Classify on a raw message. Total and deterministic for
// any input string.
func ClassifyMessage(msg string) Classification {
	for _, p := range permanentPatterns {
		if p.re.MatchString(msg) {
			return Classification{Kind: Permanent, Category: p.category}
		}
	}
	for _, p := range transientPatterns {
		if p.re.MatchString(msg) {
			return Classification{Kind: Transient, Category: p.category}
		}
	}
	return Classification{Kind: Transient, Category: CategoryUnknown}
}
