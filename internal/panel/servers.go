package panel

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tphummel/panel_sync/internal/models"
	"github.com/tphummel/panel_sync/internal/panelerr"
)

const defaultPerPage = 100

type pagination struct {
	Total       int `json:"total"`
	Count       int `json:"count"`
	PerPage     int `json:"per_page"`
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
}

type serverObject struct {
	Object     string                `json:"object"`
	Attributes models.ExternalServer `json:"attributes"`
}

type serverListEnvelope struct {
	Object string         `json:"object"`
	Data   []serverObject `json:"data"`
	Meta   struct {
		Pagination pagination `json:"pagination"`
	} `json:"meta"`
}

type nodeObject struct {
	Object     string      `json:"object"`
	Attributes models.Node `json:"attributes"`
}

// ListOptions filters ListServers. Empty fields are not sent.
type ListOptions struct {
	Name       string
	UUID       string
	ExternalID string
	PerPage    int
}

// ServerList is every server returned across all pages.
type ServerList struct {
	Servers []models.ExternalServer
	Via     CallInfo
}

// ListServers fetches every page of servers with their allocations and node
// embedded.
func (c *Client) ListServers(ctx context.Context, opts ListOptions) (*ServerList, error) {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}

	out := &ServerList{}
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("include", "allocations,node")
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))
		if opts.Name != "" {
			q.Set("filter[name]", opts.Name)
		}
		if opts.UUID != "" {
			q.Set("filter[uuid]", opts.UUID)
		}
		if opts.ExternalID != "" {
			q.Set("filter[external_id]", opts.ExternalID)
		}

		var env serverListEnvelope
		info, err := c.do(ctx, request{method: http.MethodGet, path: "/api/application/servers", query: q}, &env)
		if err != nil {
			return nil, err
		}
		out.Via.Attempts += info.Attempts
		out.Via.Method = info.Method
		out.Via.FallbackUsed = out.Via.FallbackUsed || info.FallbackUsed

		for _, d := range env.Data {
			out.Servers = append(out.Servers, d.Attributes)
		}
		if env.Meta.Pagination.TotalPages <= page || len(env.Data) == 0 {
			return out, nil
		}
	}
}

// GetServer fetches one server by its numeric panel id.
func (c *Client) GetServer(ctx context.Context, id int64) (*models.ExternalServer, error) {
	q := url.Values{}
	q.Set("include", "allocations,node")
	var obj serverObject
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/application/servers/" + strconv.FormatInt(id, 10),
		query:  q,
	}, &obj)
	if err != nil {
		return nil, err
	}
	return &obj.Attributes, nil
}

// GetNode fetches one node with its allocations.
func (c *Client) GetNode(ctx context.Context, id int64) (*models.Node, error) {
	q := url.Values{}
	q.Set("include", "allocations")
	var obj nodeObject
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/application/nodes/" + strconv.FormatInt(id, 10),
		query:  q,
	}, &obj)
	if err != nil {
		return nil, err
	}
	return &obj.Attributes, nil
}

// SetPower sends a power signal. Any 2xx counts as accepted; duplicate
// signals are passed through as-is. A network failure after the request may
// have been sent is returned rather than retried over bypass strategies.
func (c *Client) SetPower(ctx context.Context, id int64, signal string) error {
	if !models.PowerSignals[signal] {
		return &panelerr.ValidationError{Field: "signal", Reason: strconv.Quote(signal) + " is not one of start, stop, restart, kill"}
	}
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/application/servers/" + strconv.FormatInt(id, 10) + "/power",
		body:   map[string]string{"signal": signal},
	}, nil)
	return err
}
