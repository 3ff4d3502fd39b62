package poller

import (
	"crypto/tls"
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/teris-io/shortid"
	"github.com/valyala/fasthttp"
	"github.com/zbxsystems/zbxcore/internal/cache"
	"github.com/zbxsystems/zbxcore/internal/xerrors"
)

// Result is one completed (or failed-to-prepare) request's outcome,
// feeding both the preprocessor submission and the re-queue staging
// (spec.md §4.3 steps 2 and 4).
type Result struct {
	ItemID    uint64
	HostID    uint64
	ValueType int
	Flags     int
	Body      []byte
	ErrMsg    string
	ErrCode   int
	Success   bool
	Timestamp time.Time
	CorrelationID string

	// fromPrepare marks a result produced by a failed Prepare step
	// (spec.md §4.3 step 2) rather than by a completed request; such
	// results never incremented Processing, so completion handling
	// must not decrement it for them.
	fromPrepare bool
}

// buildRequest constructs a fasthttp request from an item's fields and
// the worker's source-IP configuration (spec.md §4.3 step 2). On any
// preparation failure it returns a PrepareError, per spec.md §7.
func buildRequest(it cache.Item, sourceIP string) (*fasthttp.Request, error) {
	if it.URL == "" {
		return nil, xerrors.PrepareError("empty item URL", nil)
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(it.URL)

	method := it.Method
	if method == "" {
		method = fasthttp.MethodGet
	}
	req.Header.SetMethod(method)

	for k, v := range it.Headers {
		req.Header.Set(k, v)
	}
	if len(it.Posts) > 0 {
		req.SetBody(it.Posts)
	}
	if it.AuthUser != "" {
		req.Header.Set("Authorization", basicAuth(it.AuthUser, it.AuthPassword))
	}
	if sourceIP != "" {
		req.Header.Set("X-Forwarded-For", sourceIP)
	}
	if len(it.QueryFields) > 0 {
		args := req.URI().QueryArgs()
		for k, v := range it.QueryFields {
			args.Set(k, v)
		}
	}
	return req, nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// tlsConfigForItem builds a *tls.Config from an item's TLS material
// (spec.md §3); a PrepareError is raised on a malformed certificate.
func tlsConfigForItem(it cache.Item) (*tls.Config, error) {
	if len(it.TLSCert) == 0 && len(it.TLSKey) == 0 {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(it.TLSCert, it.TLSKey)
	if err != nil {
		return nil, xerrors.PrepareError("invalid TLS material", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// statusAcceptable reports whether code matches the item's
// status-code pattern (spec.md §3's "acceptable status-code pattern").
// The pattern is a comma-separated list of exact codes and/or ranges
// ("200,201" or "200-299"); an empty pattern accepts any 2xx.
func statusAcceptable(pattern []byte, code int) bool {
	p := strings.TrimSpace(string(pattern))
	if p == "" {
		return code >= 200 && code < 300
	}
	for _, part := range strings.Split(p, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := parseRange(part); ok {
			if code >= lo && code <= hi {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n == code {
			return true
		}
	}
	return false
}

var rangePattern = regexp.MustCompile(`^(\d+)-(\d+)$`)

func parseRange(s string) (lo, hi int, ok bool) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	lo, _ = strconv.Atoi(m[1])
	hi, _ = strconv.Atoi(m[2])
	return lo, hi, true
}

// newCorrelationID generates a short id tying together a request's
// prepare/complete log lines, the way the teacher's stack uses
// teris-io/shortid for lightweight, non-cryptographic identifiers.
func newCorrelationID() string {
	id, err := shortid.Generate()
	if err != nil {
		return "req"
	}
	return id
}
