// Package jsonapi implements a backend that fetches items from a paginated
// JSON HTTP API.
//
// The endpoint is expected to answer GET requests with
//
//	{"items": [{...}, ...], "next_page": N}
//
// where next_page is 0 on the last page. The request carries the page
// number and, when an incremental fetch is asked for, the since parameter
// in RFC 3339.
package jsonapi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"gitlab.com/slon/harvest/backend"
)

// Name is the identifier the backend registers under.
const Name = "jsonapi"

func init() {
	backend.Register(Name, New)
}

type page struct {
	Items    []map[string]interface{} `json:"items"`
	NextPage int                      `json:"next_page"`
}

// JSONAPI fetches items from an HTTP endpoint given as the origin. The
// args entry "api_token" is sent as a bearer token when present.
type JSONAPI struct {
	origin string
	client *resty.Client
}

func New(origin string, args map[string]interface{}) (backend.Backend, error) {
	client := resty.New().SetRetryCount(3)
	if token, ok := args["api_token"].(string); ok && token != "" {
		client.SetAuthToken(token)
	}
	return &JSONAPI{origin: origin, client: client}, nil
}

func (j *JSONAPI) Fetch(ctx context.Context, from time.Time, out chan<- backend.Item) error {
	for pageNum := 1; ; {
		var p page
		req := j.client.R().
			SetContext(ctx).
			SetQueryParam("page", strconv.Itoa(pageNum)).
			SetResult(&p)
		if !from.IsZero() {
			req.SetQueryParam("since", from.UTC().Format(time.RFC3339))
		}

		resp, err := req.Get(j.origin)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("jsonapi: %s replied %s", j.origin, resp.Status())
		}

		for _, data := range p.Items {
			item := backend.Item{
				UUID:      backend.ItemUUID(j.origin, itemID(data)),
				Origin:    j.origin,
				Backend:   Name,
				UpdatedOn: updatedOn(data),
				Data:      data,
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if p.NextPage <= 0 {
			return nil
		}
		pageNum = p.NextPage
	}
}

func itemID(data map[string]interface{}) string {
	if id, ok := data["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	return fmt.Sprintf("%v", data)
}

func updatedOn(data map[string]interface{}) float64 {
	if v, ok := data["updated_on"].(float64); ok {
		return v
	}
	return 0
}
