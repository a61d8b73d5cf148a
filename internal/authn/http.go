package authn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Request headers carrying HTTP credentials.
const (
	HeaderAddress   = "X-CF-Address"
	HeaderTimestamp = "X-CF-Timestamp"
	HeaderSignature = "X-CF-Signature"
)

const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller attaches an authenticated address to ctx.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// HTTPPayload is the canonical signed form of an HTTP request.
func HTTPPayload(method, path string, body []byte, ts int64) []byte {
	digest := sha256.Sum256(body)
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(ts, 10))
	buf.WriteByte('\n')
	buf.WriteString(hex.EncodeToString(digest[:]))
	return buf.Bytes()
}

// SignRequest sets credential headers on req. The body, if any, is read
// and replaced.
func (s *Signer) SignRequest(req *http.Request, now time.Time) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	creds, err := s.Stamp(func(ts int64) []byte {
		return HTTPPayload(req.Method, req.URL.Path, body, ts)
	}, now)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, creds.Signer)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(creds.Timestamp, 10))
	req.Header.Set(HeaderSignature, creds.Signature)
	return nil
}

// Middleware authenticates signed requests and stores the caller in the
// request context. Unsigned requests pass through without a caller; handlers
// that mutate state reject them.
func Middleware(clock func() time.Time, window time.Duration, onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(HeaderSignature)
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}
			ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			if err != nil {
				onError(w, errors.Join(ErrBadSignature, err))
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				onError(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			addr, err := Verify(Credentials{
				Signer:    r.Header.Get(HeaderAddress),
				Timestamp: ts,
				Signature: sig,
			}, func(ts int64) []byte {
				return HTTPPayload(r.Method, r.URL.Path, body, ts)
			}, clock(), window)
			if err != nil {
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}
