package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-mediaupload/transfer"
)

type videoResponse struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// GetArtifact returns the identity of a video, or nil if it does not exist.
func (c *Client) GetArtifact(ctx context.Context, id int64) (*transfer.ArtifactIdentity, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.url(fmt.Sprintf("/videos/%d", id)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(c.apiClient, req, "get video")
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get video", resp, "")
	}

	var response videoResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &transfer.ProtocolMismatchError{Reason: "decode video response", Err: err}
	}

	uri := response.URI
	if uri == "" {
		uri = fmt.Sprintf("/videos/%d", id)
	}

	return &transfer.ArtifactIdentity{ID: id, URI: uri}, nil
}

// DeleteArtifact deletes a video. It reports false if the video did not exist.
func (c *Client) DeleteArtifact(ctx context.Context, id int64) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, c.url(fmt.Sprintf("/videos/%d", id)), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(c.apiClient, req, "delete video")
	if err != nil {
		return false, err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}

	return false, statusError("delete video", resp, "")
}
