package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"tilebridge/internal/async"
)

// IonEndpoint is the resolved location of an ion asset.
type IonEndpoint struct {
	URL          string
	AccessToken  string
	Attributions []string
}

// Headers returns the request headers the endpoint requires.
func (e IonEndpoint) Headers() map[string]string {
	if e.AccessToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + e.AccessToken}
}

// ResolveIon asks the ion server where assetID lives.
func ResolveIon(ctx context.Context, a Accessor, server string, assetID int64, token string) *async.Future[IonEndpoint] {
	u := fmt.Sprintf("%s/v1/assets/%d/endpoint", strings.TrimRight(server, "/"), assetID)
	if token != "" {
		u += "?access_token=" + url.QueryEscape(token)
	}
	return async.Then(a.Get(ctx, u, nil), async.Inline{}, func(r *Response) (IonEndpoint, error) {
		var body struct {
			Type         string `json:"type"`
			URL          string `json:"url"`
			AccessToken  string `json:"accessToken"`
			Attributions []struct {
				HTML string `json:"html"`
			} `json:"attributions"`
		}
		if err := json.Unmarshal(r.Data, &body); err != nil {
			return IonEndpoint{}, fmt.Errorf("ion asset %d: %w", assetID, err)
		}
		if body.Type != "" && body.Type != "3DTILES" {
			return IonEndpoint{}, fmt.Errorf("ion asset %d: type %s is not a tileset", assetID, body.Type)
		}
		if body.URL == "" {
			return IonEndpoint{}, fmt.Errorf("ion asset %d: endpoint has no url", assetID)
		}
		ep := IonEndpoint{URL: body.URL, AccessToken: body.AccessToken}
		for _, at := range body.Attributions {
			ep.Attributions = append(ep.Attributions, at.HTML)
		}
		return ep, nil
	})
}
