package gemini

import (
	"context"
	"fmt"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/adsync-lab/geminisync/internal/catalog"
)

// maxObjectsPerPage is the API's maximum page size for object listings.
const maxObjectsPerPage = 500

// ListObjects pulls the current snapshot of an account-structure edge and
// coerces each object onto the stream schema.
func (c *ReportClient) ListObjects(ctx context.Context, stream *catalog.StreamDescriptor, advertiserID string, loc *time.Location) ([]catalog.Record, error) {
	if stream.Kind != catalog.KindObjectCube {
		return nil, fmt.Errorf("stream %q is not an object stream", stream.Name)
	}

	params := url.Values{"mr": {fmt.Sprint(maxObjectsPerPage)}}
	if stream.Edge != "advertiser" {
		// Non-advertiser edges are scoped to one account.
		params.Set("advertiserId", advertiserID)
	}

	raw, err := c.session.Call(ctx, "GET", stream.Edge, params, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s objects: %w", stream.Edge, err)
	}

	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("parsing %s object list: %w", stream.Edge, err)
	}

	records := make([]catalog.Record, 0, len(objects))
	for _, obj := range objects {
		rec, err := coerceObject(stream, obj, loc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
