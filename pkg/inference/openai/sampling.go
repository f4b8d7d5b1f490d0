package openai

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// samplingTransport adds request body fields that go-openai does not model
// (top_k, min_p) or drops when zero (temperature, top_p) to chat completion
// requests.
type samplingTransport struct {
	base  http.RoundTripper
	extra map[string]interface{}
}

func newSamplingTransport(base http.RoundTripper, extra map[string]interface{}) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &samplingTransport{base: base, extra: extra}
}

func (t *samplingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.extra) == 0 || req.Body == nil || req.Method != http.MethodPost ||
		!strings.HasSuffix(req.URL.Path, "/chat/completions") {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		log.Warn().Err(err).Msg("could not decode chat request body, sending without extra sampling fields")
	} else {
		for k, v := range t.extra {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			fields[k] = raw
		}
		if patched, err := json.Marshal(fields); err == nil {
			body = patched
		}
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.Header.Set("Content-Length", strconv.Itoa(len(body)))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(clone)
}
