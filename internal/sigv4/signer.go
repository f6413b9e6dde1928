// Package sigv4 implements AWS Signature Version 4 header signing.
//
// Every function here is a pure function of its arguments: the signing time is
// passed in, nothing is cached, and concurrent calls with different
// credentials need no locking.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm = "AWS4-HMAC-SHA256"

	HeaderAuthorization = "Authorization"
	HeaderDate          = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderSecurityToken = "X-Amz-Security-Token"

	timeFormat  = "20060102T150405Z"
	shortFormat = "20060102"
	terminator  = "aws4_request"
)

// Headers that proxies and clients rewrite in flight; signing them breaks
// verification.
var ignoredHeaders = map[string]bool{
	"authorization":   true,
	"user-agent":      true,
	"x-amzn-trace-id": true,
	"expect":          true,
}

// Request is the signing input.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte // nil hashes as the empty string
}

// Sign computes the SigV4 headers for r. The returned header set holds
// Authorization, X-Amz-Date, X-Amz-Content-Sha256 and, when the credentials
// carry a session token, X-Amz-Security-Token.
func Sign(r Request, creds Credentials, region, service string, now time.Time) (http.Header, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if region == "" || service == "" {
		return nil, errors.New("sigv4: region and service are required")
	}
	if r.URL == nil || r.URL.Host == "" {
		return nil, errors.New("sigv4: request URL with host is required")
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	t := now.UTC()
	amzDate := t.Format(timeFormat)
	date := t.Format(shortFormat)
	payloadHash := HashSHA256Hex(r.Body)

	headers := canonicalHeaderMap(r.Header)
	headers["host"] = r.URL.Host
	headers["x-amz-date"] = amzDate
	headers["x-amz-content-sha256"] = payloadHash
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}
	canonicalHeaders, signedHeaders := formatHeaders(headers)

	canonical := CanonicalRequest(r.Method, CanonicalURI(r.URL), CanonicalQuery(r.URL), canonicalHeaders, signedHeaders, payloadHash)
	scope := CredentialScope(date, region, service)
	toSign := StringToSign(amzDate, scope, canonical)
	key := DeriveSigningKey(creds.SecretAccessKey, date, region, service)
	signature := hex.EncodeToString(HMACSHA256(key, []byte(toSign)))

	out := make(http.Header)
	out.Set(HeaderAuthorization, fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, creds.AccessKeyID, scope, signedHeaders, signature))
	out.Set(HeaderDate, amzDate)
	out.Set(HeaderContentSHA256, payloadHash)
	if creds.SessionToken != "" {
		out.Set(HeaderSecurityToken, creds.SessionToken)
	}
	return out, nil
}

// SignRequest signs req in place. body must be the exact bytes req will send.
func SignRequest(req *http.Request, body []byte, creds Credentials, region, service string, now time.Time) error {
	u := *req.URL
	if req.Host != "" {
		u.Host = req.Host
	}
	h, err := Sign(Request{Method: req.Method, URL: &u, Header: req.Header, Body: body}, creds, region, service, now)
	if err != nil {
		return err
	}
	for k, vs := range h {
		req.Header[k] = vs
	}
	return nil
}

// CanonicalRequest joins the canonical request fields. canonicalHeaders is
// the header block with one "name:value\n" line per header.
func CanonicalRequest(method, uri, query, canonicalHeaders, signedHeaders, payloadHash string) string {
	return strings.Join([]string{
		method,
		uri,
		query,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
}

func CredentialScope(date, region, service string) string {
	return date + "/" + region + "/" + service + "/" + terminator
}

func StringToSign(amzDate, scope, canonicalRequest string) string {
	return strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		HashSHA256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// DeriveSigningKey chains HMAC-SHA256 over date, region, service and the
// aws4_request terminator, seeded with "AWS4"+secret.
func DeriveSigningKey(secret, date, region, service string) []byte {
	k := HMACSHA256([]byte("AWS4"+secret), []byte(date))
	k = HMACSHA256(k, []byte(region))
	k = HMACSHA256(k, []byte(service))
	return HMACSHA256(k, []byte(terminator))
}

func HashSHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HMACSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// CanonicalURI URI-encodes each segment of the escaped path. An empty path is "/".
func CanonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = uriEncode(s)
	}
	return strings.Join(segs, "/")
}

// CanonicalQuery sorts parameters by key then value, both URI-encoded.
func CanonicalQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	vals, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		// Keep whatever parsed; a malformed pair simply isn't signed.
		vals = u.Query()
	}
	pairs := make([]string, 0, len(vals))
	for k, vs := range vals {
		ek := uriEncode(k)
		for _, v := range vs {
			pairs = append(pairs, ek+"="+uriEncode(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h)+4)
	for k, vs := range h {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" || ignoredHeaders[name] {
			continue
		}
		vals := make([]string, len(vs))
		for i, v := range vs {
			vals[i] = trimValue(v)
		}
		out[name] = strings.Join(vals, ",")
	}
	return out
}

func formatHeaders(headers map[string]string) (block, signed string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(headers[n])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

// trimValue trims and collapses runs of spaces to one.
func trimValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func uriEncode(s string) string {
	const hexUpper = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
