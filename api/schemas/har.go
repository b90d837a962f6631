package schemas

import (
	"net/http"
	"net/url"
	"sort"
	"time"
)

// -- HAR (HTTP Archive) Schemas --

// HAR is the root object of an HTTP Archive. Only the parts the capture proxy
// can fill are modelled; see http://www.softwareishard.com/blog/har-1-2-spec/.
type HAR struct {
	Log HARLog `json:"log"`
}

// HARLog holds the creator and the recorded entries.
type HARLog struct {
	Version string     `json:"version"`
	Creator HARCreator `json:"creator"`
	Entries []HAREntry `json:"entries"`
}

// HARCreator names the tool that wrote the archive.
type HARCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HAREntry is a single request and its response.
type HAREntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"` // Total elapsed time in milliseconds.
	Request         HARRequest  `json:"request"`
	Response        HARResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         HARTimings  `json:"timings"`
	// Comment carries the transport error for exchanges that got no response.
	Comment string `json:"comment,omitempty"`
}

type HARRequest struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion"`
	Cookies     []NVPair `json:"cookies"`
	Headers     []NVPair `json:"headers"`
	QueryString []NVPair `json:"queryString"`
	HeadersSize int64    `json:"headersSize"`
	BodySize    int64    `json:"bodySize"`
}

type HARResponse struct {
	Status      int        `json:"status"`
	StatusText  string     `json:"statusText"`
	HTTPVersion string     `json:"httpVersion"`
	Cookies     []NVPair   `json:"cookies"`
	Headers     []NVPair   `json:"headers"`
	Content     HARContent `json:"content"`
	RedirectURL string     `json:"redirectURL"`
	HeadersSize int64      `json:"headersSize"`
	BodySize    int64      `json:"bodySize"`
}

// HARContent describes the response body. The proxy only counts bytes.
type HARContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// HARTimings breaks an entry's time into phases. Phases the proxy cannot
// observe are -1.
type HARTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// NVPair is a name-value pair used for headers and query strings.
type NVPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewHAR creates an empty archive attributed to creator.
func NewHAR(creator, version string) *HAR {
	return &HAR{
		Log: HARLog{
			Version: "1.2",
			Creator: HARCreator{Name: creator, Version: version},
			Entries: make([]HAREntry, 0),
		},
	}
}

// Add appends an entry built from a captured exchange.
func (h *HAR) Add(rec RequestRecord) {
	ms := float64(rec.Duration) / float64(time.Millisecond)
	entry := HAREntry{
		StartedDateTime: rec.StartedAt,
		Time:            ms,
		Request: HARRequest{
			Method:      rec.Method,
			URL:         rec.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NVPair{},
			Headers:     []NVPair{},
			QueryString: queryString(rec.URL),
			HeadersSize: -1,
			BodySize:    -1,
		},
		Response: HARResponse{
			Status:      rec.Status,
			StatusText:  http.StatusText(rec.Status),
			HTTPVersion: "HTTP/1.1",
			Cookies:     []NVPair{},
			Headers:     []NVPair{},
			Content:     HARContent{Size: rec.Bytes},
			HeadersSize: -1,
			BodySize:    rec.Bytes,
		},
		Timings: HARTimings{Send: -1, Wait: ms, Receive: -1},
		Comment: rec.Error,
	}
	if rec.Status == 0 {
		entry.Response.HTTPVersion = ""
		entry.Response.BodySize = -1
	}
	h.Log.Entries = append(h.Log.Entries, entry)
}

func queryString(raw string) []NVPair {
	pairs := []NVPair{}
	u, err := url.Parse(raw)
	if err != nil {
		return pairs
	}
	q := u.Query()
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range q[name] {
			pairs = append(pairs, NVPair{Name: name, Value: v})
		}
	}
	return pairs
}
