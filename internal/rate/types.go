package rate

import "time"

// Window is a request budget period.
type Window int

const (
	Minute Window = iota
	Hour
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	if w == Hour {
		return time.Hour
	}
	return time.Minute
}

// Headers names the response headers that carry a server-imposed wait.
type Headers struct {
	RetryAfter string
	Reset      string
}

// StandardHeaders is what the Ngenic API and most proxies in front of it send.
func StandardHeaders() Headers {
	return Headers{
		RetryAfter: "Retry-After",
		Reset:      "X-RateLimit-Reset",
	}
}

// Declaration describes how calls to one provider are budgeted.
type Declaration struct {
	provider   string
	limits     map[Window]int
	backoff    time.Duration
	backoffMax time.Duration
	headers    Headers
}

func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// MaxRequestsPer adds a client-side token bucket. A non-positive limit is ignored.
func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	if limit <= 0 {
		return d
	}
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// Backoff sets the cooldown after a 429 that carried no usable header. Each
// consecutive 429 doubles it up to max.
func (d Declaration) Backoff(base, max time.Duration) Declaration {
	d.backoff = base
	d.backoffMax = max
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
