// Package transport provides the reference transport sink: an
// implementation of rsync.Sink that ships a planner's move/add transcript
// to a remote HTTP endpoint, one request per operation.
package transport

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/oczsync/zsync/pkg/logging"
)

// HTTPSink drives a remote server's upload/{start,move,add,done} endpoints
// over HTTP, with HTTP basic authentication, matching the four
// curl_easy_perform calls of the reference uploader. Every call opens its
// own request; the sink performs no retries of its own (per the core's
// concurrency contract, retries are entirely the sink's business, and this
// reference sink chooses not to implement any).
type HTTPSink struct {
	// Host is the scheme+authority to request against, e.g.
	// "https://example.com".
	Host string
	// Path identifies the remote object being reconstructed.
	Path string
	// User and Pass are HTTP basic auth credentials, passed through
	// opaquely from the CLI per §1's "no authentication beyond passing
	// opaque credentials to the transport sink".
	User, Pass string

	// Client is the http.Client used for every request. If nil, a client
	// with a generous fixed per-request timeout is constructed lazily.
	Client *http.Client
	// Logger receives one line per operation when non-nil, matching the
	// reference uploader's own progress printfs.
	Logger *logging.Logger

	// sessionID correlates every request in a single sink's lifetime; it
	// is generated once, on first use.
	sessionID string
}

// httpTimeout bounds a single upload request. The core itself never
// suspends (§5); this timeout belongs entirely to the transport, which is
// explicitly outside that contract.
const httpTimeout = 2 * time.Minute

func (s *HTTPSink) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	s.Client = &http.Client{Timeout: httpTimeout}
	return s.Client
}

func (s *HTTPSink) id() string {
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	return s.sessionID
}

func (s *HTTPSink) endpoint(op string) string {
	return strings.TrimRight(s.Host, "/") + "/upload/" + op + "/" + strings.TrimLeft(s.Path, "/")
}

func (s *HTTPSink) post(op, method string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequest(method, s.endpoint(op), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", op)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Session-Id", s.id())
	req.SetBasicAuth(s.User, s.Pass)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "performing %s request", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s request returned status %s", op, resp.Status)
	}
	return resp, nil
}

// Start implements rsync.Sink.
func (s *HTTPSink) Start(totalSize uint64) error {
	resp, err := s.post("start", http.MethodPost, url.Values{
		"size": {strconv.FormatUint(totalSize, 10)},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	s.Logger.Infof("started delta sync: %d bytes", totalSize)
	return nil
}

// Move implements rsync.Sink.
func (s *HTTPSink) Move(from, to, size uint64) error {
	resp, err := s.post("move", http.MethodPatch, url.Values{
		"from": {strconv.FormatUint(from, 10)},
		"to":   {strconv.FormatUint(to, 10)},
		"size": {strconv.FormatUint(size, 10)},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	s.Logger.Infof("moved %d bytes at %d to %d", size, from, to)
	return nil
}

// Add implements rsync.Sink.
func (s *HTTPSink) Add(offset, size uint64, data []byte) error {
	resp, err := s.post("add", http.MethodPatch, url.Values{
		"start": {strconv.FormatUint(offset, 10)},
		"size":  {strconv.FormatUint(size, 10)},
		"data":  {string(data)},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	s.Logger.Infof("added %d bytes at %d", size, offset)
	return nil
}

// Done implements rsync.Sink.
func (s *HTTPSink) Done() (string, error) {
	resp, err := s.post("done", http.MethodPost, url.Values{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading done response")
	}
	return strings.TrimSpace(string(body)), nil
}
