// Package httpline detects whether the first bytes of a guest flow form an
// HTTP/1.x request line:
//
//	Method SP Request-URI SP HTTP/d.d CRLF
//
// Classification is total and allocation-free and never reads past the
// window it is given.
package httpline

// Result is the outcome of classifying a byte window.
type Result int

const (
	// Incomplete means the window is a strict prefix of something that
	// could still become a request line.
	Incomplete Result = iota
	// HTTPRequest means the window starts with a complete request line.
	HTTPRequest
	// Opaque means no continuation of the window can be a request line.
	Opaque
)

func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case HTTPRequest:
		return "http"
	case Opaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// DefaultMethods are the request methods recognized by the package-level functions.
var DefaultMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "CONNECT", "TRACE", "PATCH"}

const versionTemplate = "HTTP/#.#\r\n"

// Classifier recognizes request lines for a fixed set of methods.
type Classifier struct {
	methods []string
}

var defaultClassifier = NewClassifier()

// NewClassifier returns a Classifier accepting DefaultMethods plus extra.
func NewClassifier(extra ...string) *Classifier {
	methods := make([]string, 0, len(DefaultMethods)+len(extra))
	methods = append(methods, DefaultMethods...)
	for _, m := range extra {
		if m == "" || containsMethod(methods, m) {
			continue
		}
		methods = append(methods, m)
	}
	return &Classifier{methods: methods}
}

func containsMethod(methods []string, m string) bool {
	for _, have := range methods {
		if have == m {
			return true
		}
	}
	return false
}

// RequestLine holds sub-slices of the classified window.
type RequestLine struct {
	Method  []byte
	URI     []byte
	Version []byte
	// Len is the length of the request line including CRLF.
	Len int
}

// Classify reports whether window begins with a request line.
func (c *Classifier) Classify(window []byte) Result {
	res, _ := c.scan(window)
	return res
}

// IsRequestLine is shorthand for Classify(window) == HTTPRequest.
func (c *Classifier) IsRequestLine(window []byte) bool {
	return c.Classify(window) == HTTPRequest
}

// Parse returns the components of the request line at the start of window.
func (c *Classifier) Parse(window []byte) (RequestLine, bool) {
	res, line := c.scan(window)
	return line, res == HTTPRequest
}

// Classify classifies window using DefaultMethods.
func Classify(window []byte) Result {
	return defaultClassifier.Classify(window)
}

// IsRequestLine reports whether window begins with a request line using DefaultMethods.
func IsRequestLine(window []byte) bool {
	return defaultClassifier.IsRequestLine(window)
}

// ParseRequestLine parses the request line at the start of window using DefaultMethods.
func ParseRequestLine(window []byte) (RequestLine, bool) {
	return defaultClassifier.Parse(window)
}

func (c *Classifier) scan(w []byte) (Result, RequestLine) {
	var line RequestLine

	methodEnd, res := c.matchMethod(w)
	if res != HTTPRequest {
		return res, line
	}
	line.Method = w[:methodEnd]

	uriStart := methodEnd + 1
	pos := uriStart
	for pos < len(w) && isURIByte(w[pos]) {
		pos++
	}
	if pos == len(w) {
		return Incomplete, line
	}
	if pos == uriStart || w[pos] != ' ' {
		return Opaque, line
	}
	line.URI = w[uriStart:pos]

	versionStart := pos + 1
	for k := 0; k < len(versionTemplate); k++ {
		i := versionStart + k
		if i >= len(w) {
			return Incomplete, line
		}
		want := versionTemplate[k]
		if want == '#' {
			if w[i] < '0' || w[i] > '9' {
				return Opaque, line
			}
			continue
		}
		if w[i] != want {
			return Opaque, line
		}
	}
	line.Version = w[versionStart : versionStart+len(versionTemplate)-2]
	line.Len = versionStart + len(versionTemplate)
	return HTTPRequest, line
}

// matchMethod returns the index of the space following a registered method.
func (c *Classifier) matchMethod(w []byte) (int, Result) {
	partial := false
	for _, m := range c.methods {
		n := len(m)
		if len(w) > n {
			if w[n] == ' ' && hasPrefix(w, m) {
				return n, HTTPRequest
			}
			continue
		}
		// window too short to hold the method and its space
		if prefixOf(w, m) {
			partial = true
		}
	}
	if partial {
		return 0, Incomplete
	}
	return 0, Opaque
}

func hasPrefix(w []byte, m string) bool {
	for i := 0; i < len(m); i++ {
		if w[i] != m[i] {
			return false
		}
	}
	return true
}

// prefixOf reports whether w is a prefix of m; len(w) <= len(m).
func prefixOf(w []byte, m string) bool {
	for i := range w {
		if w[i] != m[i] {
			return false
		}
	}
	return true
}

func isURIByte(b byte) bool {
	return b > 0x20 && b < 0x7f
}
